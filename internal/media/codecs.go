package media

import (
	"fmt"
	"strings"

	"github.com/dkeye/huddle/internal/domain"
)

const (
	MimeTypeOpus = "audio/opus"
	MimeTypeVP8  = "video/VP8"
)

// DefaultCodecs is the router codec policy: one audio and one video codec.
func DefaultCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{
			Kind:                 domain.KindAudio,
			MimeType:             MimeTypeOpus,
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
			Parameters:           map[string]any{"minptime": 10, "useinbandfec": 1},
			RtcpFeedback:         []RtcpFeedback{{Type: "transport-cc"}},
		},
		{
			Kind:                 domain.KindVideo,
			MimeType:             MimeTypeVP8,
			PreferredPayloadType: 96,
			ClockRate:            90000,
			Parameters:           map[string]any{"x-google-start-bitrate": 1000},
			RtcpFeedback: []RtcpFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "goog-remb"},
				{Type: "transport-cc"},
			},
		},
	}
}

// RouterCapabilities validates codecs and fills in missing payload types.
// At least one audio and one video codec are required.
func RouterCapabilities(codecs []RtpCodecCapability) (RtpCapabilities, error) {
	var hasAudio, hasVideo bool
	used := make(map[uint8]bool, len(codecs))
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}

	next := uint8(100)
	out := make([]RtpCodecCapability, 0, len(codecs))
	for _, c := range codecs {
		switch c.Kind {
		case domain.KindAudio:
			hasAudio = true
		case domain.KindVideo:
			hasVideo = true
		default:
			return RtpCapabilities{}, fmt.Errorf("codec %s: %w", c.MimeType, domain.ErrUnknownKind)
		}
		if c.ClockRate == 0 {
			return RtpCapabilities{}, fmt.Errorf("codec %s: missing clock rate", c.MimeType)
		}
		if c.PreferredPayloadType == 0 {
			for used[next] {
				next++
			}
			c.PreferredPayloadType = next
			used[next] = true
		}
		out = append(out, c)
	}
	if !hasAudio || !hasVideo {
		return RtpCapabilities{}, fmt.Errorf("router needs an audio and a video codec")
	}
	return RtpCapabilities{Codecs: out}, nil
}

// ValidateRtpParameters checks what a producer needs to be routed.
func ValidateRtpParameters(kind domain.Kind, params RtpParameters) error {
	if len(params.Codecs) == 0 {
		return fmt.Errorf("%w: no codecs", ErrInvalidRtpParams)
	}
	prefix := string(kind) + "/"
	if !strings.HasPrefix(strings.ToLower(params.Codecs[0].MimeType), prefix) {
		return fmt.Errorf("%w: codec %s does not match kind %s", ErrInvalidRtpParams, params.Codecs[0].MimeType, kind)
	}
	return nil
}

// MatchCodec finds the receive capability for the producer's media codec.
func MatchCodec(producer RtpParameters, caps RtpCapabilities) (RtpCodecCapability, bool) {
	if len(producer.Codecs) == 0 {
		return RtpCodecCapability{}, false
	}
	pc := producer.Codecs[0]
	for _, c := range caps.Codecs {
		if !strings.EqualFold(c.MimeType, pc.MimeType) || c.ClockRate != pc.ClockRate {
			continue
		}
		if c.Kind == domain.KindAudio && channels(c.Channels) != channels(pc.Channels) {
			continue
		}
		return c, true
	}
	return RtpCodecCapability{}, false
}

func channels(n uint16) uint16 {
	if n == 0 {
		return 1
	}
	return n
}

// ConsumerRtpParameters builds the parameters a consumer sends with. The
// payload type is the router's, so the receiving side can decode with the
// capabilities it loaded.
func ConsumerRtpParameters(producer RtpParameters, router RtpCapabilities, caps RtpCapabilities, ssrc uint32, mid string) (RtpParameters, error) {
	if _, ok := MatchCodec(producer, caps); !ok {
		return RtpParameters{}, ErrIncompatibleCodecs
	}
	rc, ok := MatchCodec(producer, router)
	if !ok {
		return RtpParameters{}, ErrIncompatibleCodecs
	}
	out := RtpParameters{
		Mid: mid,
		Codecs: []RtpCodecParameters{{
			MimeType:     rc.MimeType,
			PayloadType:  rc.PreferredPayloadType,
			ClockRate:    rc.ClockRate,
			Channels:     rc.Channels,
			Parameters:   rc.Parameters,
			RtcpFeedback: rc.RtcpFeedback,
		}},
		Encodings: []RtpEncodingParameters{{SSRC: ssrc}},
	}
	if producer.Rtcp != nil {
		out.Rtcp = &RtcpParameters{CNAME: producer.Rtcp.CNAME, ReducedSize: true}
	}
	return out, nil
}
