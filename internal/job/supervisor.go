package job

import (
	"context"
	"fmt"
	"sync"

	"trapwatch/internal/domain"
	"trapwatch/internal/signal"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs every poller and lane under one errgroup and merges the
// lanes' events into a single stream.
type Supervisor struct {
	pollers map[string]*TickPoller
	lanes   []*Lane
	events  chan domain.Event
	logger  *zap.Logger
}

func NewSupervisor(logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		pollers: make(map[string]*TickPoller),
		events:  make(chan domain.Event, eventBuffer),
		logger:  logger,
	}
}

func (s *Supervisor) AddPoller(p *TickPoller) {
	s.pollers[p.Source()] = p
}

func (s *Supervisor) AddLane(l *Lane) {
	s.lanes = append(s.lanes, l)
}

func (s *Supervisor) Lanes() []*Lane {
	return s.lanes
}

// Engines returns the signal engine of every lane.
func (s *Supervisor) Engines() []*signal.Engine {
	out := make([]*signal.Engine, 0, len(s.lanes))
	for _, l := range s.lanes {
		out = append(out, l.Engine())
	}
	return out
}

// Events is closed when Run returns.
func (s *Supervisor) Events() <-chan domain.Event {
	return s.events
}

// Run blocks until ctx is cancelled or a component fails.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.events)

	inputs := make([]<-chan Poll, len(s.lanes))
	for i, l := range s.lanes {
		p, ok := s.pollers[l.ID().Source]
		if !ok {
			return fmt.Errorf("no poller for source %q (lane %s)", l.ID().Source, l.ID())
		}
		inputs[i] = p.Subscribe(l.ID().Ticker)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range s.pollers {
		g.Go(func() error { return p.Start(ctx) })
	}

	var merge sync.WaitGroup
	for i, l := range s.lanes {
		g.Go(func() error {
			if err := l.Run(ctx, inputs[i]); err != nil {
				return fmt.Errorf("lane %s: %w", l.ID(), err)
			}
			return nil
		})
		merge.Add(1)
		go func() {
			defer merge.Done()
			for ev := range l.Events() {
				select {
				case s.events <- ev:
				case <-ctx.Done():
				}
			}
		}()
	}

	s.logger.Info("supervisor started", zap.Int("pollers", len(s.pollers)), zap.Int("lanes", len(s.lanes)))
	err := g.Wait()
	merge.Wait()
	s.logger.Info("supervisor stopped")
	return err
}
