package signal

import (
	"encoding/json"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendEvent(conn, core.NewEvent("pong", nil))
}

func (ctl *SignalWSController) handleWhoAmI(me domain.Member, conn *WsSignalConn) {
	ctl.sendEvent(conn, core.NewEvent("whoami", me))
}

func (ctl *SignalWSController) handlePresenceList(conn *WsSignalConn) {
	ctl.sendEvent(conn, core.NewEvent("presence.list", map[string]any{"online": ctl.Orch.Presence.Online()}))
}

type scopePayload struct {
	Scope domain.Scope `json:"scope"`
}

func (ctl *SignalWSController) handleSubscribe(me domain.Member, data json.RawMessage) error {
	p, err := decode[scopePayload](data)
	if err != nil {
		return err
	}
	return ctl.Orch.Subscribe(me, p.Scope)
}

func (ctl *SignalWSController) handleUnsubscribe(me domain.Member, data json.RawMessage) error {
	p, err := decode[scopePayload](data)
	if err != nil {
		return err
	}
	ctl.Orch.Unsubscribe(me, p.Scope)
	return nil
}

func (ctl *SignalWSController) handleRoomsList(conn *WsSignalConn, data json.RawMessage) error {
	p, err := decode[struct {
		WorkspaceID domain.Scope `json:"workspaceId"`
		ChannelID   domain.Scope `json:"channelId"`
	}](data)
	if err != nil {
		return err
	}
	ctl.sendEvent(conn, core.NewEvent("rooms.list", ctl.Orch.RoomsIn(p.WorkspaceID, p.ChannelID)))
	return nil
}
