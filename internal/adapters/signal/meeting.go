package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/domain"
)

type meetingPayload struct {
	MeetingID domain.MeetingID `json:"meetingId"`
	Link      string           `json:"link,omitempty"`
	Enabled   bool             `json:"enabled,omitempty"`
}

func (ctl *SignalWSController) handleMeetingJoin(ctx context.Context, me domain.Member, data json.RawMessage) error {
	p, err := decode[meetingPayload](data)
	if err != nil {
		return err
	}
	_, _, err = ctl.Orch.Meetings.Join(ctx, me, app.MeetingRef{ID: p.MeetingID, LinkToken: p.Link})
	return err
}

func (ctl *SignalWSController) handleMeetingAction(ctx context.Context, me domain.Member, op string, data json.RawMessage) error {
	p, err := decode[meetingPayload](data)
	if err != nil {
		return err
	}
	if p.MeetingID == "" {
		return fmt.Errorf("meetingId is required: %w", domain.ErrInvalid)
	}
	meetings := ctl.Orch.Meetings
	switch op {
	case "meeting.start":
		_, err = meetings.Start(ctx, me, p.MeetingID)
	case "meeting.end":
		err = meetings.End(ctx, me, p.MeetingID)
	case "meeting.cancel":
		err = meetings.Cancel(ctx, me, p.MeetingID)
	case "meeting.leave":
		err = meetings.Leave(ctx, me, p.MeetingID)
	}
	return err
}

func (ctl *SignalWSController) handleMeetingToggle(me domain.Member, op string, data json.RawMessage) error {
	p, err := decode[meetingPayload](data)
	if err != nil {
		return err
	}
	media := "audio"
	if op == "meeting.toggleVideo" {
		media = "video"
	}
	return ctl.Orch.Meetings.Toggle(me, p.MeetingID, media, p.Enabled)
}
