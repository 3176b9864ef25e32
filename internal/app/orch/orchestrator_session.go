package orch

import (
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Welcome is the first frame a handle receives after connecting.
type Welcome struct {
	Handle     domain.HandleID    `json:"handle"`
	User       domain.User        `json:"user"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	Online     []domain.User      `json:"online"`
}

// ICEServers returns the STUN/TURN set clients use to build their peer connections.
func (o *Orchestrator) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(o.iceServers))
	copy(out, o.iceServers)
	return out
}

func (o *Orchestrator) Welcome(member domain.Member) Welcome {
	return Welcome{
		Handle:     member.Handle,
		User:       member.User,
		ICEServers: o.ICEServers(),
		Online:     o.Presence.Online(),
	}
}
