package client

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
)

var ErrNotLoaded = errors.New("client: device not loaded")

// Device is the local media side of a negotiation.
type Device interface {
	Load(router media.RtpCapabilities) error
	RtpCapabilities() media.RtpCapabilities
	// CreateRecvTransport prepares the local end of a receive transport and
	// returns the parameters the server needs to connect it.
	CreateRecvTransport(info protocol.TransportInfo) (protocol.ConnectTransportRequest, error)
	Consume(c protocol.ConsumeResponse) (Track, error)
}

// Track is one locally attached remote stream.
type Track interface {
	Close() error
}

const iceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"

// HeadlessDevice negotiates like a browser device but renders nothing. It
// owns a real DTLS certificate and ICE credentials so servers accept its
// connect parameters.
type HeadlessDevice struct {
	fingerprints []media.DtlsFingerprint
	ice          media.IceParameters

	mu     sync.Mutex
	caps   media.RtpCapabilities
	loaded bool
	tracks map[string]*HeadlessTrack
}

func NewHeadlessDevice() (*HeadlessDevice, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("fingerprints: %w", err)
	}
	ufrag, err := randutil.GenerateCryptoRandomString(16, iceAlphabet)
	if err != nil {
		return nil, err
	}
	pwd, err := randutil.GenerateCryptoRandomString(32, iceAlphabet)
	if err != nil {
		return nil, err
	}
	d := &HeadlessDevice{
		ice:    media.IceParameters{UsernameFragment: ufrag, Password: pwd},
		tracks: make(map[string]*HeadlessTrack),
	}
	for _, fp := range fps {
		d.fingerprints = append(d.fingerprints, media.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return d, nil
}

// Load accepts every codec of the router.
func (d *HeadlessDevice) Load(router media.RtpCapabilities) error {
	if len(router.Codecs) == 0 {
		return fmt.Errorf("router offers no codecs")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = router
	d.loaded = true
	return nil
}

func (d *HeadlessDevice) RtpCapabilities() media.RtpCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *HeadlessDevice) CreateRecvTransport(info protocol.TransportInfo) (protocol.ConnectTransportRequest, error) {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()
	if !loaded {
		return protocol.ConnectTransportRequest{}, ErrNotLoaded
	}
	if info.ID == "" || len(info.DtlsParameters.Fingerprints) == 0 {
		return protocol.ConnectTransportRequest{}, fmt.Errorf("incomplete transport parameters")
	}
	ice := d.ice
	return protocol.ConnectTransportRequest{
		DtlsParameters: media.DtlsParameters{Role: "client", Fingerprints: d.fingerprints},
		IceParameters:  &ice,
	}, nil
}

func (d *HeadlessDevice) Consume(c protocol.ConsumeResponse) (Track, error) {
	if _, ok := media.MatchCodec(c.RtpParameters, d.RtpCapabilities()); !ok {
		return nil, media.ErrIncompatibleCodecs
	}
	t := &HeadlessTrack{device: d, ConsumerID: c.ID, Kind: string(c.Kind)}
	d.mu.Lock()
	d.tracks[c.ID] = t
	d.mu.Unlock()
	return t, nil
}

// Tracks reports how many tracks are attached.
func (d *HeadlessDevice) Tracks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracks)
}

type HeadlessTrack struct {
	device     *HeadlessDevice
	ConsumerID string
	Kind       string
}

func (t *HeadlessTrack) Close() error {
	t.device.mu.Lock()
	defer t.device.mu.Unlock()
	delete(t.device.tracks, t.ConsumerID)
	return nil
}
