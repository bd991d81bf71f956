// Package audit records committed timelock events: a JSON-lines sink for
// log shipping, a hash-chained in-process journal for tamper evidence, and a
// fan-out that feeds several sinks from one engine.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/Mindburn-Labs/helm-timelock/pkg/auth"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// Sink receives committed events.
type Sink interface {
	Notify(ctx context.Context, ev contracts.Event) error
}

// Record is one line written by Logger.
type Record struct {
	contracts.Event
	RequestID string `json:"request_id,omitempty"`
}

// Logger writes every event as one prefixed JSON line.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to w.
func NewLoggerWithWriter(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{writer: w}
}

// Notify implements Sink.
func (l *Logger) Notify(ctx context.Context, ev contracts.Event) error {
	bytes, err := json.Marshal(Record{Event: ev, RequestID: auth.GetRequestID(ctx)})
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Fanout delivers each event to every sink in order. All sinks are tried;
// their errors are joined.
type Fanout []Sink

// Notify implements Sink.
func (f Fanout) Notify(ctx context.Context, ev contracts.Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
