package orch

import (
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) Subscribe(member domain.Member, scope domain.Scope) error {
	if err := o.Registry.Subscribe(member.Handle, scope); err != nil {
		return err
	}
	log.Debug().Str("module", "orch").Str("handle", string(member.Handle)).Str("scope", string(scope)).Msg("subscribed")
	return nil
}

func (o *Orchestrator) Unsubscribe(member domain.Member, scope domain.Scope) {
	o.Registry.Unsubscribe(member.Handle, scope)
}

// Rooms is what a handle can see right now in a scope.
type Rooms struct {
	GroupCall    *domain.GroupCall    `json:"groupCall,omitempty"`
	ScreenShares []domain.ScreenShare `json:"screenShares"`
}

// RoomsIn reports the active group call of a channel and the shares of a workspace.
func (o *Orchestrator) RoomsIn(workspace, channel domain.Scope) Rooms {
	out := Rooms{ScreenShares: o.ScreenShare.List(workspace)}
	if channel != "" {
		if gc, ok := o.GroupCalls.Snapshot(channel); ok {
			out.GroupCall = &gc
		}
	}
	return out
}
