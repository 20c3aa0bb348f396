package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a peer whose channel cannot take a frame.
type Policy interface {
	OnBackPressure(room *Room, peer *Peer) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room *Room, peer *Peer) BackpressureAction {
	return KickMember
}
