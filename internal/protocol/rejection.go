package protocol

import (
	"encoding/json"
	"fmt"
)

type RejectionCode string

const (
	CodeCannotJoin       RejectionCode = "cannot-join"
	CodeAlreadyJoined    RejectionCode = "already-joined"
	CodeNotJoined        RejectionCode = "not-joined"
	CodeRateLimited      RejectionCode = "rate-limited"
	CodeTransportExists  RejectionCode = "transport-exists"
	CodeNoTransport      RejectionCode = "no-transport"
	CodeNothingToConsume RejectionCode = "nothing-to-consume"
	CodeCannotConsume    RejectionCode = "cannot-consume"
	// CodeMalformed answers payloads or types outside the schema.
	CodeMalformed RejectionCode = "malformed"
)

// Rejection is an orchestration policy refusal. It travels as a normal
// response payload, never in the error field.
type Rejection struct {
	Code    RejectionCode `json:"code"`
	Message string        `json:"message"`
}

func Reject(code RejectionCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Is matches any rejection with the same code.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Code == r.Code
}

// Rejected wraps a Rejection as response data.
type Rejected struct {
	Rejection *Rejection `json:"rejection"`
}

// AsRejection reports whether a response payload carries a rejection.
func AsRejection(raw json.RawMessage) (*Rejection, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var r struct {
		Rejection *Rejection `json:"rejection"`
	}
	if err := json.Unmarshal(raw, &r); err != nil || r.Rejection == nil {
		return nil, false
	}
	return r.Rejection, true
}
