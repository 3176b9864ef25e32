package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type callInitiatePayload struct {
	ReceiverID  domain.UserID   `json:"receiverId"`
	Kind        domain.CallKind `json:"kind"`
	WorkspaceID string          `json:"workspaceId"`
}

func (ctl *SignalWSController) handleCallInitiate(ctx context.Context, me domain.Member, data json.RawMessage) error {
	p, err := decode[callInitiatePayload](data)
	if err != nil {
		return err
	}
	if !ctl.opts.CallLimiter.Allow(me.User.ID) {
		log.Warn().Str("module", "signal").Str("user", string(me.User.ID)).Msg("call initiate rate limited")
		return fmt.Errorf("call initiate: %w", domain.ErrThrottled)
	}
	if p.Kind == "" {
		p.Kind = domain.CallVoice
	}
	_, err = ctl.Orch.Calls.Initiate(ctx, me, p.ReceiverID, p.Kind, p.WorkspaceID)
	return err
}

type callActionPayload struct {
	CallID   domain.CallID `json:"callId"`
	Duration int64         `json:"duration,omitempty"`
}

func (ctl *SignalWSController) handleCallAction(ctx context.Context, me domain.Member, op string, data json.RawMessage) error {
	p, err := decode[callActionPayload](data)
	if err != nil {
		return err
	}
	if p.CallID == "" {
		return fmt.Errorf("callId is required: %w", domain.ErrInvalid)
	}
	calls := ctl.Orch.Calls
	switch op {
	case "call.accept":
		_, err = calls.Accept(ctx, me, p.CallID)
	case "call.decline":
		_, err = calls.Decline(ctx, me, p.CallID)
	case "call.cancel":
		_, err = calls.Cancel(ctx, me, p.CallID)
	case "call.missed":
		_, err = calls.Missed(ctx, me, p.CallID)
	case "call.end":
		_, err = calls.End(ctx, me, p.CallID, p.Duration)
	}
	return err
}
