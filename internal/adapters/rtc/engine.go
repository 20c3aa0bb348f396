// Package rtc is a Media Engine on pion/webrtc ORTC objects. Each transport
// owns an ICE gatherer, an ICE transport and a DTLS transport; producers are
// RTP receivers whose packets a relay fans out to the RTP senders of their
// consumers.
package rtc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dkeye/huddle/internal/app/sfu"
	"github.com/dkeye/huddle/internal/media"
	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	UDPPortMin uint16
	UDPPortMax uint16
	// TCPPort enables ICE-TCP on one shared listener when non-zero.
	TCPPort int
	// ICEServers switches transports from ICE-lite to full ICE with
	// server-reflexive gathering.
	ICEServers    []string
	GatherTimeout time.Duration
	LogLevel      zerolog.Level
}

type Engine struct {
	cfg     Config
	loggers *LoggerFactory
	tcpMux  ice.TCPMux
}

func New(cfg Config) (*Engine, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	if cfg.UDPPortMax != 0 && cfg.UDPPortMax < cfg.UDPPortMin {
		return nil, fmt.Errorf("udp port range %d-%d is empty", cfg.UDPPortMin, cfg.UDPPortMax)
	}
	e := &Engine{
		cfg:     cfg,
		loggers: NewLoggerFactory(cfg.LogLevel),
	}
	if cfg.TCPPort > 0 {
		ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: cfg.TCPPort})
		if err != nil {
			return nil, fmt.Errorf("ice-tcp listen: %w", err)
		}
		e.tcpMux = webrtc.NewICETCPMux(e.loggers.NewLogger("ice-tcp"), ln, 8)
		log.Info().Str("module", "rtc").Int("port", cfg.TCPPort).Msg("ice-tcp listening")
	}
	return e, nil
}

func (e *Engine) Close() error {
	if e.tcpMux == nil {
		return nil
	}
	return e.tcpMux.Close()
}

func (e *Engine) CreateRouter(ctx context.Context, codecs []media.RtpCodecCapability) (media.Router, error) {
	caps, err := media.RouterCapabilities(codecs)
	if err != nil {
		return nil, err
	}
	if _, err := newMediaEngine(caps); err != nil {
		return nil, err
	}
	r := &Router{
		id:         uuid.NewString(),
		engine:     e,
		caps:       caps,
		relays:     sfu.NewRelayManager(),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	log.Info().Str("module", "rtc").Str("router", r.id).Msg("router created")
	return r, nil
}

func (e *Engine) lite() bool {
	return len(e.cfg.ICEServers) == 0
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	if e.lite() {
		return nil
	}
	return []webrtc.ICEServer{{URLs: e.cfg.ICEServers}}
}

// settingEngine applies the transport network options. UDP host candidates
// carry a higher type preference than TCP ones, which covers PreferUDP.
func (e *Engine) settingEngine(opts media.TransportOptions) (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{LoggerFactory: e.loggers}
	se.SetLite(e.lite())

	var types []webrtc.NetworkType
	if opts.EnableUDP {
		types = append(types, webrtc.NetworkTypeUDP4)
	}
	if opts.EnableTCP && e.tcpMux != nil {
		types = append(types, webrtc.NetworkTypeTCP4)
		se.SetICETCPMux(e.tcpMux)
	}
	if len(types) == 0 {
		return se, media.ErrNoTransportProtocol
	}
	se.SetNetworkTypes(types)

	if opts.ListenIP != "" && opts.ListenIP != "0.0.0.0" {
		listen := net.ParseIP(opts.ListenIP)
		if listen == nil {
			return se, fmt.Errorf("invalid listen ip %q", opts.ListenIP)
		}
		se.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
		se.SetIncludeLoopbackCandidate(listen.IsLoopback())
	}
	if opts.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if e.cfg.UDPPortMin > 0 && e.cfg.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(e.cfg.UDPPortMin, e.cfg.UDPPortMax); err != nil {
			return se, err
		}
	}
	return se, nil
}

var (
	_ media.Engine    = (*Engine)(nil)
	_ media.Router    = (*Router)(nil)
	_ media.Transport = (*Transport)(nil)
	_ media.Producer  = (*Producer)(nil)
	_ media.Consumer  = (*Consumer)(nil)
)
