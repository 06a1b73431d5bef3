package job

import (
	"context"
	"sync"
	"time"

	"trapwatch/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const laneBuffer = 16

type TickFetcher interface {
	Name() string
	FetchTick(ctx context.Context, ticker string) (domain.Tick, error)
}

type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, t domain.Tick) error
}

// Poll is one poll outcome delivered to a lane: a tick, or the fetch error.
type Poll struct {
	Tick domain.Tick
	Err  error
}

// TickPoller fetches a snapshot for every subscribed ticker on each interval
// and hands it to that ticker's lane.
type TickPoller struct {
	tracer   trace.Tracer
	fetcher  TickFetcher
	store    SnapshotStore
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	tickers []string
	outputs map[string]chan Poll
}

// NewTickPoller returns a poller for one source. store may be nil.
func NewTickPoller(tracer trace.Tracer, fetcher TickFetcher, store SnapshotStore, interval time.Duration, logger *zap.Logger) *TickPoller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &TickPoller{
		tracer:   tracer,
		fetcher:  fetcher,
		store:    store,
		interval: interval,
		logger:   logger.With(zap.String("source", fetcher.Name())),
		outputs:  make(map[string]chan Poll),
	}
}

func (p *TickPoller) Source() string {
	return p.fetcher.Name()
}

// Subscribe registers ticker and returns its poll channel. It must be called
// before Start; the channel is closed when Start returns.
func (p *TickPoller) Subscribe(ticker string) <-chan Poll {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.outputs[ticker]; ok {
		return ch
	}
	ch := make(chan Poll, laneBuffer)
	p.outputs[ticker] = ch
	p.tickers = append(p.tickers, ticker)
	return ch
}

// Start polls until ctx is cancelled.
func (p *TickPoller) Start(ctx context.Context) error {
	p.logger.Info("tick poller starting", zap.Strings("tickers", p.tickers), zap.Duration("interval", p.interval))
	defer func() {
		p.mu.Lock()
		for _, ch := range p.outputs {
			close(ch)
		}
		p.outputs = map[string]chan Poll{}
		p.mu.Unlock()
		p.logger.Info("tick poller stopped")
	}()

	p.pollAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *TickPoller) pollAll(ctx context.Context) {
	for _, t := range p.tickers {
		if ctx.Err() != nil {
			return
		}
		p.poll(ctx, t)
	}
}

func (p *TickPoller) poll(ctx context.Context, ticker string) {
	ctx, span := p.tracer.Start(ctx, "tick-poller.poll")
	defer span.End()
	span.SetAttributes(attribute.String("ticker", ticker))

	tick, err := p.fetcher.FetchTick(ctx, ticker)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		p.logger.Warn("fetch tick failed", zap.String("ticker", ticker), zap.Error(err))
		p.deliver(ctx, ticker, Poll{Err: err})
		return
	}
	tick.Source = p.fetcher.Name()
	tick.Ticker = ticker

	if p.store != nil {
		if err := p.store.InsertSnapshot(ctx, tick); err != nil {
			p.logger.Warn("persist snapshot failed", zap.String("ticker", ticker), zap.Error(err))
		}
	}
	p.deliver(ctx, ticker, Poll{Tick: tick})
}

// deliver drops the poll when the lane is still busy with earlier ones, so a
// slow lane never holds up the others.
func (p *TickPoller) deliver(ctx context.Context, ticker string, poll Poll) {
	p.mu.Lock()
	ch, ok := p.outputs[ticker]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- poll:
	case <-ctx.Done():
	default:
		p.logger.Warn("lane backlog full, dropping tick", zap.String("ticker", ticker))
	}
}
