package conversation

import "context"

// Standard transport error codes surfaced by Messenger implementations.
const (
	SendErrRateLimit     = "RATE_LIMIT"
	SendErrInvalidNumber = "INVALID_NUMBER"
	SendErrUnreachable   = "UNREACHABLE"
	SendErrNotConsented  = "NOT_CONSENTED"
	SendErrConfig        = "CONFIG"
	SendErrUnknown       = "UNKNOWN"
)

// OutboundMessage is one SMS to deliver.
type OutboundMessage struct {
	To             string
	Body           string
	From           string
	OrganizationID string
}

// SendResult reports the transport outcome. Status "failed" carries the
// error fields.
type SendResult struct {
	SID          string
	Status       string
	Provider     string
	FromNumber   string
	ErrorCode    string
	ErrorMessage string
}

// Failed reports whether the provider rejected the send.
func (r SendResult) Failed() bool { return r.Status == "failed" }

// Messenger delivers outbound SMS. Implementations live in the messaging
// package; the engine only depends on this interface.
type Messenger interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}
