package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// ReadFunc reads the next packet from a producer's source track.
type ReadFunc func() (*rtp.Packet, error)

// Relay forwards one producer's packets to the out tracks of its consumers.
type Relay struct {
	mu        sync.RWMutex
	outTracks map[string]*OutTrack

	paused atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay() *Relay {
	return &Relay{
		outTracks: make(map[string]*OutTrack),
		done:      make(chan struct{}),
	}
}

// Start runs the forwarding loop until ctx ends, Stop is called, or read fails.
func (r *Relay) Start(ctx context.Context, read ReadFunc, logger zerolog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	go r.loop(ctx, read, &logger)
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, read ReadFunc, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		if r.paused.Load() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("consumer", dst).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(dst string, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[dst] = ot
}

func (r *Relay) OutTrack(dst string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[dst]
	return ot, ok
}

// RemoveOutTrack marks the out track of dst for deletion.
func (r *Relay) RemoveOutTrack(dst string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ot, ok := r.outTracks[dst]; ok {
		ot.MarkDelete()
		delete(r.outTracks, dst)
	}
}

func (r *Relay) SetPaused(paused bool) { r.paused.Store(paused) }
func (r *Relay) Paused() bool          { return r.paused.Load() }

// Stop ends the loop and marks every out track for delete. It does not wait
// for a blocked read; closing the source unblocks it.
func (r *Relay) Stop() {
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	r.markAllDelete()
}

// Done is closed when a started loop has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }
