package bus

import "time"

// Option applies a configuration option to a bus implementation.
type Option func(*settings)

// settings holds the knobs shared by bus implementations.
type settings struct {
	visibilityTimeout time.Duration
	maxDeliveries     int64
}

// Default bus configuration constants.
const (
	defaultVisibilityTimeout = time.Minute
	defaultMaxDeliveries     = 5
)

func newSettings(opts ...Option) settings {
	s := settings{
		visibilityTimeout: defaultVisibilityTimeout,
		maxDeliveries:     defaultMaxDeliveries,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithVisibilityTimeout sets how long a delivered message stays invisible
// before it becomes eligible for redelivery.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.visibilityTimeout = d
		}
	}
}

// WithMaxDeliveries sets the delivery count after which a message is
// routed to the dead-letter stream.
func WithMaxDeliveries(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxDeliveries = int64(n)
		}
	}
}
