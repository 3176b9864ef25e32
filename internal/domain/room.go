package domain

import "time"

// Scope groups an advertisement audience: a channel or a workspace id.
type Scope string

func (s Scope) String() string { return string(s) }

// GroupCall is a snapshot of a mesh call room scoped to one channel.
type GroupCall struct {
	ID           string    `json:"id"`
	ChannelID    Scope     `json:"channelId"`
	Kind         CallKind  `json:"kind"`
	Participants []Member  `json:"participants"`
	StartedAt    time.Time `json:"startedAt"`
}

// ScreenShare is a snapshot of a broadcast room with one host.
type ScreenShare struct {
	ID          string    `json:"id"`
	WorkspaceID Scope     `json:"workspaceId"`
	ChannelID   Scope     `json:"channelId"`
	Host        Member    `json:"host"`
	Viewers     []Member  `json:"viewers"`
	StartedAt   time.Time `json:"startedAt"`
}

func (s ScreenShare) ViewerCount() int { return len(s.Viewers) }

// LiveMeeting is the set of handles currently connected to a meeting.
type LiveMeeting struct {
	MeetingID MeetingID `json:"meetingId"`
	Members   []Member  `json:"members"`
}
