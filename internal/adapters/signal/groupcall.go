package signal

import (
	"encoding/json"

	"github.com/dkeye/huddle/internal/domain"
)

type groupPayload struct {
	ChannelID domain.Scope    `json:"channelId"`
	CallID    string          `json:"callId,omitempty"`
	Kind      domain.CallKind `json:"kind,omitempty"`
}

func (ctl *SignalWSController) handleGroupStart(me domain.Member, data json.RawMessage) error {
	p, err := decode[groupPayload](data)
	if err != nil {
		return err
	}
	if p.Kind == "" {
		p.Kind = domain.CallVoice
	}
	_, _, err = ctl.Orch.GroupCalls.Start(me, p.ChannelID, p.Kind)
	return err
}

func (ctl *SignalWSController) handleGroupJoin(me domain.Member, data json.RawMessage) error {
	p, err := decode[groupPayload](data)
	if err != nil {
		return err
	}
	_, err = ctl.Orch.GroupCalls.Join(me, p.ChannelID, p.CallID)
	return err
}

func (ctl *SignalWSController) handleGroupLeave(me domain.Member, data json.RawMessage) error {
	p, err := decode[groupPayload](data)
	if err != nil {
		return err
	}
	ctl.Orch.GroupCalls.Leave(me, p.ChannelID)
	return nil
}
