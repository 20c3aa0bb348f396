package rtc

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/pion/webrtc/v4"
)

func codecType(kind domain.Kind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// fmtpLine renders codec parameters as an a=fmtp value with sorted keys.
func fmtpLine(params map[string]any) string {
	keys := slices.Sorted(maps.Keys(params))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func codecCapability(c media.RtpCodecCapability) webrtc.RTPCodecCapability {
	fb := make([]webrtc.RTCPFeedback, 0, len(c.RtcpFeedback))
	for _, f := range c.RtcpFeedback {
		fb = append(fb, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: fb,
	}
}

func newMediaEngine(caps media.RtpCapabilities) (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, codecType(c.Kind))
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}
	return me, nil
}

func toIceParameters(p webrtc.ICEParameters) media.IceParameters {
	return media.IceParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		IceLite:          p.ICELite,
	}
}

func fromIceParameters(p media.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.IceLite,
	}
}

func toIceCandidate(c webrtc.ICECandidate) media.IceCandidate {
	return media.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func fromIceCandidate(c media.IceCandidate) (webrtc.ICECandidate, error) {
	proto, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	typ, err := webrtc.NewICECandidateType(c.Type)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.IP,
		Protocol:   proto,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TCPType,
	}, nil
}

func toDtlsParameters(p webrtc.DTLSParameters) media.DtlsParameters {
	out := media.DtlsParameters{Role: p.Role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, media.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDtlsParameters(p media.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func toDtlsState(s webrtc.DTLSTransportState) (media.DtlsState, bool) {
	switch s {
	case webrtc.DTLSTransportStateNew:
		return media.DtlsNew, true
	case webrtc.DTLSTransportStateConnecting:
		return media.DtlsConnecting, true
	case webrtc.DTLSTransportStateConnected:
		return media.DtlsConnected, true
	case webrtc.DTLSTransportStateFailed:
		return media.DtlsFailed, true
	case webrtc.DTLSTransportStateClosed:
		return media.DtlsClosed, true
	}
	return "", false
}
