package app

import "github.com/dkeye/Telecall/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(member core.MemberSession) BackpressureAction
}

// SimplePolicy drops the frame, or kicks the slow socket when Kick is set.
type SimplePolicy struct {
	Kick bool
}

func (p SimplePolicy) OnBackPressure(member core.MemberSession) BackpressureAction {
	if p.Kick {
		return KickMember
	}
	return DropFrame
}
