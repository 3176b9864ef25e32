package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const disconnectTimeout = 10 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, me domain.Member, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("handle", string(me.Handle)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(ctl.opts.WriteWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("handle", string(me.Handle)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("handle", string(me.Handle)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("handle", string(me.Handle)).Msg("ping failed")
				return
			}
		}
	}
}

// readPump owns the handle's lifetime: when it returns the handle is
// disconnected and everything it took part in is cleaned up.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, me domain.Member, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("handle", string(me.Handle)).Msg("readPump closing")
		cancel()
		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		ctl.Orch.Disconnect(dctx, me.Handle)
		dcancel()
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("handle", string(me.Handle)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
			ctl.handleSignal(ctx, me, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, me domain.Member, c *WsSignalConn, data []byte) {
	var in core.Inbound
	if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
		log.Debug().Str("module", "signal").Str("handle", string(me.Handle)).Msg("bad json")
		ctl.sendError(c, "", fmt.Errorf("malformed message: %w", domain.ErrInvalid))
		return
	}

	var err error
	switch in.Type {
	case "ping":
		ctl.handlePing(c)
	case "whoami":
		ctl.handleWhoAmI(me, c)
	case "presence.list":
		ctl.handlePresenceList(c)
	case "scope.subscribe":
		err = ctl.handleSubscribe(me, in.Data)
	case "scope.unsubscribe":
		err = ctl.handleUnsubscribe(me, in.Data)
	case "rooms.list":
		err = ctl.handleRoomsList(c, in.Data)

	case "call.initiate":
		err = ctl.handleCallInitiate(ctx, me, in.Data)
	case "call.accept", "call.decline", "call.cancel", "call.missed", "call.end":
		err = ctl.handleCallAction(ctx, me, in.Type, in.Data)

	case "groupcall.start":
		err = ctl.handleGroupStart(me, in.Data)
	case "groupcall.join":
		err = ctl.handleGroupJoin(me, in.Data)
	case "groupcall.leave":
		err = ctl.handleGroupLeave(me, in.Data)

	case "screenshare.start":
		err = ctl.handleShareStart(me, in.Data)
	case "screenshare.join":
		err = ctl.handleShareJoin(me, in.Data)
	case "screenshare.leave":
		err = ctl.handleShareLeave(me, in.Data)
	case "screenshare.end":
		err = ctl.handleShareEnd(me, in.Data)
	case "screenshare.chat":
		err = ctl.handleShareChat(me, in.Data)

	case "meeting.start", "meeting.end", "meeting.cancel", "meeting.leave":
		err = ctl.handleMeetingAction(ctx, me, in.Type, in.Data)
	case "meeting.join":
		err = ctl.handleMeetingJoin(ctx, me, in.Data)
	case "meeting.toggleAudio", "meeting.toggleVideo":
		err = ctl.handleMeetingToggle(me, in.Type, in.Data)

	default:
		family, kind, ok := strings.Cut(in.Type, ".")
		if !ok {
			err = fmt.Errorf("unknown message type %q: %w", in.Type, domain.ErrInvalid)
			break
		}
		if _, kerr := app.ParseSignalKind(kind); kerr != nil {
			log.Warn().Str("module", "signal").Str("type", in.Type).Msg("unknown signal")
			err = fmt.Errorf("unknown message type %q: %w", in.Type, domain.ErrInvalid)
			break
		}
		err = ctl.handleRelay(me, app.Family(family), kind, in.Data)
	}
	if err != nil {
		ctl.sendError(c, in.Type, err)
	}
}

type errorData struct {
	Op      string `json:"op"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sendError reports a failed operation to the originating connection only.
func (ctl *SignalWSController) sendError(c *WsSignalConn, op string, err error) {
	code := domain.Code(err)
	ev := log.Debug()
	if errors.Is(err, domain.ErrUpstream) || code == "internal" {
		ev = log.Warn()
	}
	ev.Err(err).Str("module", "signal").Str("op", op).Str("code", code).Msg("operation failed")
	ctl.sendEvent(c, core.NewEvent("error", errorData{Op: op, Code: code, Message: domain.Message(err)}))
}

func (ctl *SignalWSController) sendEvent(c *WsSignalConn, ev core.Event) {
	b, err := ev.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendEvent marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("type", ev.Type).Msg("sendEvent")
	}
}

// decode parses the data object of an inbound message.
func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("missing data: %w", domain.ErrInvalid)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("bad payload: %w", domain.ErrInvalid)
	}
	return v, nil
}
