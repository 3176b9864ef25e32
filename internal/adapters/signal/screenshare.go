package signal

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
)

type sharePayload struct {
	RoomID      string       `json:"roomId"`
	WorkspaceID domain.Scope `json:"workspaceId,omitempty"`
	ChannelID   domain.Scope `json:"channelId,omitempty"`
	Message     string       `json:"message,omitempty"`
}

func (ctl *SignalWSController) handleShareStart(me domain.Member, data json.RawMessage) error {
	p, err := decode[sharePayload](data)
	if err != nil {
		return err
	}
	_, err = ctl.Orch.ScreenShare.Start(me, p.WorkspaceID, p.ChannelID)
	return err
}

func (ctl *SignalWSController) handleShareJoin(me domain.Member, data json.RawMessage) error {
	p, err := decode[sharePayload](data)
	if err != nil {
		return err
	}
	_, err = ctl.Orch.ScreenShare.Join(me, p.RoomID)
	return err
}

func (ctl *SignalWSController) handleShareLeave(me domain.Member, data json.RawMessage) error {
	p, err := decode[sharePayload](data)
	if err != nil {
		return err
	}
	ctl.Orch.ScreenShare.Leave(me, p.RoomID)
	return nil
}

func (ctl *SignalWSController) handleShareEnd(me domain.Member, data json.RawMessage) error {
	p, err := decode[sharePayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.ScreenShare.End(me, p.RoomID)
}

func (ctl *SignalWSController) handleShareChat(me domain.Member, data json.RawMessage) error {
	p, err := decode[sharePayload](data)
	if err != nil {
		return err
	}
	if !ctl.opts.ChatLimiter.Allow(me.User.ID) {
		return fmt.Errorf("screen share chat: %w", domain.ErrThrottled)
	}
	return ctl.Orch.ScreenShare.Chat(me, p.RoomID, p.Message)
}
