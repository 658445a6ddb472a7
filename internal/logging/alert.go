package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultAlertQueueSize = 64
	alertSendTimeout      = 15 * time.Second
	alertDrainTimeout     = 10 * time.Second
)

// Alerter delivers an operator notification, typically by email.
type Alerter interface {
	Alert(ctx context.Context, subject string, body string) error
}

type alert struct {
	subject string
	body    string
}

type alertSink struct {
	service string
	alerter Alerter

	mu     sync.RWMutex
	closed bool
	queue  chan alert
	done   chan struct{}

	dropped atomic.Uint64
}

// alertHandler mirrors error-level records to an Alerter through a bounded
// queue. Records are dropped when the queue is full.
type alertHandler struct {
	next slog.Handler
	sink *alertSink
	ops  []func(slog.Handler) slog.Handler
}

func newAlertHandler(next slog.Handler, service string, alerter Alerter, queueSize int) *alertHandler {
	if queueSize <= 0 {
		queueSize = defaultAlertQueueSize
	}
	sink := &alertSink{
		service: service,
		alerter: alerter,
		queue:   make(chan alert, queueSize),
		done:    make(chan struct{}),
	}
	go sink.run()
	return &alertHandler{next: next, sink: sink}
}

func (h *alertHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelError || h.next.Enabled(ctx, level)
}

func (h *alertHandler) Handle(ctx context.Context, record slog.Record) error {
	var err error
	if h.next.Enabled(ctx, record.Level) {
		err = h.next.Handle(ctx, record)
	}
	if record.Level >= slog.LevelError {
		h.sink.enqueue(alert{
			subject: fmt.Sprintf("[%s] %s", h.sink.service, record.Message),
			body:    h.render(ctx, record),
		})
	}
	return err
}

func (h *alertHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &alertHandler{
		next: h.next.WithAttrs(attrs),
		sink: h.sink,
		ops: append(append([]func(slog.Handler) slog.Handler(nil), h.ops...), func(inner slog.Handler) slog.Handler {
			return inner.WithAttrs(attrs)
		}),
	}
}

func (h *alertHandler) WithGroup(name string) slog.Handler {
	return &alertHandler{
		next: h.next.WithGroup(name),
		sink: h.sink,
		ops: append(append([]func(slog.Handler) slog.Handler(nil), h.ops...), func(inner slog.Handler) slog.Handler {
			return inner.WithGroup(name)
		}),
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (h *alertHandler) Close() error {
	return h.sink.close()
}

func (h *alertHandler) Dropped() uint64 {
	return h.sink.dropped.Load()
}

func (h *alertHandler) render(ctx context.Context, record slog.Record) string {
	var buf bytes.Buffer
	var formatter slog.Handler = slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	for _, op := range h.ops {
		formatter = op(formatter)
	}
	if err := formatter.Handle(ctx, record.Clone()); err != nil {
		return record.Message
	}
	return buf.String()
}

func (s *alertSink) enqueue(a alert) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- a:
	default:
		s.dropped.Add(1)
	}
}

func (s *alertSink) run() {
	defer close(s.done)
	for a := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
		if err := s.alerter.Alert(ctx, a.subject, a.body); err != nil {
			// the logger itself cannot be used here
			fmt.Fprintf(os.Stderr, "alert delivery failed: %v\n", err)
		}
		cancel()
	}
}

func (s *alertSink) close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-time.After(alertDrainTimeout):
		return fmt.Errorf("alert queue not drained after %s", alertDrainTimeout)
	}
}
