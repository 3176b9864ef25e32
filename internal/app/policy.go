package app

import "github.com/dkeye/huddle/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a handle whose send buffer is full.
type Policy interface {
	OnBackPressure(member domain.Member) BackpressureAction
}

// DropPolicy loses the frame and keeps the connection.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.Member) BackpressureAction { return DropFrame }

// KickPolicy closes a connection that cannot keep up; its disconnect cleanup runs as usual.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(domain.Member) BackpressureAction { return KickMember }

func PolicyFor(name string) Policy {
	if name == "drop" {
		return DropPolicy{}
	}
	return KickPolicy{}
}
