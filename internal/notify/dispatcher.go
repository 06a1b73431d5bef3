package notify

import (
	"context"
	"sync"

	"trapwatch/internal/domain"

	"go.uber.org/zap"
)

const sinkQueue = 256

// Sink receives every lane event. Deliver should return promptly; a sink that
// falls behind has events dropped rather than slowing the others.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev domain.Event) error
}

type Dispatcher struct {
	sinks  []Sink
	logger *zap.Logger
}

func NewDispatcher(logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sinks: sinks, logger: logger}
}

func (d *Dispatcher) Sinks() []Sink {
	return d.sinks
}

// Run fans events out to every sink until events is closed or ctx is done.
// Each sink is served by its own goroutine and queue.
func (d *Dispatcher) Run(ctx context.Context, events <-chan domain.Event) {
	queues := make([]chan domain.Event, len(d.sinks))
	var wg sync.WaitGroup
	for i, s := range d.sinks {
		q := make(chan domain.Event, sinkQueue)
		queues[i] = q
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range q {
				if err := s.Deliver(ctx, ev); err != nil {
					d.logger.Warn("sink delivery failed",
						zap.String("sink", s.Name()),
						zap.String("kind", string(ev.Kind)),
						zap.String("ticker", ev.Ticker),
						zap.Error(err),
					)
				}
			}
		}()
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for i, q := range queues {
				select {
				case q <- ev:
				default:
					d.logger.Warn("sink queue full, dropping event",
						zap.String("sink", d.sinks[i].Name()),
						zap.String("kind", string(ev.Kind)),
					)
				}
			}
		}
	}
}
