package transports

import "context"

// Transport is the inbound edge of the service. Implementations own their
// network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits     string
	StatusCallback string
	// InlineStream sends the stream TwiML with the call instead of having
	// Twilio fetch the voice webhook.
	InlineStream bool
	// RingTimeoutSec is how long to ring before giving up; 0 keeps Twilio's default.
	RingTimeoutSec int
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
