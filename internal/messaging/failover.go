package messaging

import (
	"context"
	"errors"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/conversation"
	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

// FailoverMessenger attempts a primary send, then falls back to a secondary provider on error.
type FailoverMessenger struct {
	primary       conversation.Messenger
	secondary     conversation.Messenger
	primaryName   string
	secondaryName string
	logger        *logging.Logger
}

// NewFailoverMessenger builds a failover messenger with named providers.
func NewFailoverMessenger(primary conversation.Messenger, primaryName string, secondary conversation.Messenger, secondaryName string, logger *logging.Logger) *FailoverMessenger {
	if logger == nil {
		logger = logging.Default()
	}
	return &FailoverMessenger{
		primary:       primary,
		secondary:     secondary,
		primaryName:   primaryName,
		secondaryName: secondaryName,
		logger:        logger,
	}
}

var _ conversation.Messenger = (*FailoverMessenger)(nil)

// Send tries the primary provider first, then falls back to the secondary provider on failure.
func (f *FailoverMessenger) Send(ctx context.Context, msg conversation.OutboundMessage) (conversation.SendResult, error) {
	if f == nil || f.primary == nil {
		return conversation.SendResult{Status: "failed", ErrorCode: conversation.SendErrConfig},
			errors.New("messaging: failover primary sender not configured")
	}
	res, err := f.primary.Send(ctx, msg)
	if err == nil && !res.Failed() {
		return res, nil
	}
	if f.secondary == nil {
		return res, err
	}
	f.logger.Warn("primary sms send failed; attempting fallback",
		"provider", f.primaryName,
		"fallback", f.secondaryName,
		"error", err,
		"to", logging.RedactPhone(msg.To),
	)
	fallbackRes, fallbackErr := f.secondary.Send(ctx, msg)
	if fallbackErr != nil {
		f.logger.Error("fallback sms send failed",
			"provider", f.secondaryName,
			"error", fallbackErr,
			"to", logging.RedactPhone(msg.To),
		)
	}
	return fallbackRes, fallbackErr
}
