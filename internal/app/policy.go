package app

import "github.com/dkeye/peercall/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to an identity whose send queue is full.
type Policy interface {
	OnBackPressure(id domain.UserID, dropped int) BackpressureAction
}

// SimplePolicy disconnects slow receivers right away.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.UserID, int) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops frames until a receiver has missed Limit of them in a row.
type TolerantPolicy struct {
	Limit int
}

func (p TolerantPolicy) OnBackPressure(_ domain.UserID, dropped int) BackpressureAction {
	if p.Limit > 0 && dropped < p.Limit {
		return DropFrame
	}
	return KickMember
}
