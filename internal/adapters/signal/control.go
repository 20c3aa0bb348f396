package signal

import "time"

// Options tunes one signaling channel.
type Options struct {
	// ReadLimit caps the size of an inbound message.
	ReadLimit int64
	// PingPeriod must be shorter than PongWait.
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	// SendBuffer is how many outbound frames may queue before back-pressure.
	SendBuffer int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  5 * time.Second,
		SendBuffer: 64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}
