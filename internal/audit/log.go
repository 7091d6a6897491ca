package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/routing"
)

// Record is the serialized form of a transition.
type Record struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Target string    `json:"target"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// NewRecord converts a transition.
func NewRecord(t routing.Transition) Record {
	return Record{
		From:   t.From.String(),
		To:     t.To.String(),
		Target: t.Target,
		Reason: t.Reason,
		At:     t.At.UTC(),
	}
}

// LogSink writes transitions as JSON lines. Publish only enqueues; a
// single goroutine does the I/O so a slow disk or a stalled pipe never
// reaches the routing controller.
type LogSink struct {
	enc    *json.Encoder
	closer io.Closer
	logger observability.Logger
	queue  *queue
}

// NewLogSink creates a sink writing to w and starts its writer goroutine.
func NewLogSink(w io.Writer, opts ...Option) *LogSink {
	o := applyOptions(opts)
	s := &LogSink{
		enc:    json.NewEncoder(w),
		logger: o.logger,
		queue:  newQueue(o),
	}
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		s.closer = c
	}
	s.queue.start(s.write)
	return s
}

// OpenLogSink opens output (stdout, stderr or a file path, appended).
func OpenLogSink(output string, opts ...Option) (*LogSink, error) {
	switch output {
	case "stdout":
		return NewLogSink(os.Stdout, opts...), nil
	case "stderr":
		return NewLogSink(os.Stderr, opts...), nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("open audit output %s: %w", output, err)
	}
	return NewLogSink(f, opts...), nil
}

// Publish implements routing.TransitionSink.
func (s *LogSink) Publish(t routing.Transition) {
	s.queue.push(t)
}

func (s *LogSink) write(t routing.Transition) {
	if err := s.enc.Encode(NewRecord(t)); err != nil {
		s.logger.Warn("failed to write audit record", observability.Error(err))
	}
}

// Close drains queued records and closes the underlying file, if any. A
// writer still blocked after the drain timeout is unblocked by the close.
func (s *LogSink) Close() error {
	err := s.queue.close()
	if errors.Is(err, ErrSinkClosed) {
		return err
	}
	if s.closer != nil {
		err = multierr.Append(err, s.closer.Close())
	}
	return err
}
