package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Policy        app.Policy
	ChatMaxLength int
	ICEServers    []webrtc.ICEServer
}

// Orchestrator owns the registry and every room manager and is the single
// entry point the transport adapters talk to.
type Orchestrator struct {
	Registry    *app.Registry
	Presence    *app.Presence
	Relay       *app.Relay
	Calls       *app.CallManager
	GroupCalls  *app.GroupCallManager
	ScreenShare *app.ScreenShareManager
	Meetings    *app.MeetingManager

	iceServers []webrtc.ICEServer
}

func New(store core.Store, opts Options) *Orchestrator {
	reg := app.NewRegistry(opts.Policy)
	relay := app.NewRelay(reg)
	locks := app.NewKeyedMutex()
	return &Orchestrator{
		Registry:    reg,
		Presence:    app.NewPresence(reg, store),
		Relay:       relay,
		Calls:       app.NewCallManager(store, store, reg, relay, locks),
		GroupCalls:  app.NewGroupCallManager(reg, relay, locks),
		ScreenShare: app.NewScreenShareManager(reg, relay, locks, opts.ChatMaxLength),
		Meetings:    app.NewMeetingManager(store, store, reg, relay, locks),
		iceServers:  opts.ICEServers,
	}
}

// Connect binds a fresh handle for user. cancel is invoked if the registry kicks the handle.
func (o *Orchestrator) Connect(user domain.User, conn core.SignalConnection, cancel context.CancelFunc) (domain.Member, error) {
	handle := domain.HandleID(uuid.NewString())
	if err := o.Registry.Bind(user, handle, conn, cancel); err != nil {
		return domain.Member{}, fmt.Errorf("connect %s: %w", user.ID, err)
	}
	return domain.NewMember(user, handle), nil
}

// Disconnect unbinds the handle and runs the implicit leave for everything it
// took part in. Repeated calls for the same handle do nothing.
func (o *Orchestrator) Disconnect(ctx context.Context, handle domain.HandleID) {
	member, ok := o.Registry.Unbind(handle)
	if !ok {
		return
	}
	o.Calls.Disconnect(ctx, member)
	o.GroupCalls.Disconnect(member)
	o.ScreenShare.Disconnect(member)
	o.Meetings.Disconnect(ctx, member)
	log.Info().Str("module", "orch").Str("handle", string(handle)).Str("user", string(member.User.ID)).Msg("disconnect cleanup done")
}
