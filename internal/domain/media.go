// Package domain contains entity without logic, just meta-data
package domain

import "errors"

var ErrUnknownKind = errors.New("unknown media kind")

// Kind is the media kind of a producer or consumer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio, KindVideo:
		return Kind(s), nil
	}
	return "", ErrUnknownKind
}
