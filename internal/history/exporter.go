package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/botvisr/internal/bot"
	"github.com/loykin/botvisr/internal/broadcast"
)

// Lookup enriches an event with the process record of its bot.
type Lookup interface {
	Process(botID string) (bot.Process, bool)
}

// Exporter forwards status events of a broadcast subscription to sinks.
type Exporter struct {
	sinks   []Sink
	lookup  Lookup
	log     *slog.Logger
	timeout time.Duration
}

type ExporterOption func(*Exporter)

func WithLookup(l Lookup) ExporterOption {
	return func(x *Exporter) { x.lookup = l }
}

func WithExportLogger(l *slog.Logger) ExporterOption {
	return func(x *Exporter) {
		if l != nil {
			x.log = l
		}
	}
}

// WithSendTimeout bounds each Send call; the default is 5s.
func WithSendTimeout(d time.Duration) ExporterOption {
	return func(x *Exporter) { x.timeout = d }
}

func NewExporter(sinks []Sink, opts ...ExporterOption) *Exporter {
	x := &Exporter{sinks: sinks, log: slog.Default(), timeout: 5 * time.Second}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Run consumes sub until ctx is done or the subscription is closed.
// Events other than status changes are ignored.
func (x *Exporter) Run(ctx context.Context, sub *broadcast.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Type != broadcast.EventStatus || ev.Status == nil {
				continue
			}
			if dropped := sub.Dropped(); dropped > 0 {
				x.log.Debug("history subscription dropped events", "dropped", dropped)
			}
			if err := x.Export(ctx, x.fromBroadcast(ev)); err != nil {
				x.log.Warn("history export failed", "bot", ev.BotID, "state", ev.Status.State, "error", err)
			}
		}
	}
}

func (x *Exporter) fromBroadcast(ev broadcast.Event) Event {
	e := Event{
		OccurredAt: ev.Time.UTC(),
		BotID:      ev.BotID,
		State:      ev.Status.State,
		Reason:     ev.Status.Reason,
	}
	if x.lookup != nil {
		if p, ok := x.lookup.Process(ev.BotID); ok {
			e.BotName = p.BotName
			e.PID = p.PID
			e.SessionID = p.SessionID
		}
	}
	return e
}

// Export sends e to every sink. A failing sink does not keep the others from
// receiving the event.
func (x *Exporter) Export(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range x.sinks {
		sctx, cancel := context.WithTimeout(ctx, x.timeout)
		if err := s.Send(sctx, e); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (x *Exporter) Close() error {
	var errs []error
	for _, s := range x.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
