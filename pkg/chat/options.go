package chat

import (
	"log/slog"
	"time"

	"github.com/nstogner/chatkeep/pkg/metrics"
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTitleLength sets how many characters of the first user message are kept
// in a derived title.
func WithTitleLength(n int) Option {
	return func(s *Store) { s.titleLen = n }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics records session and message counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}
