package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"trapwatch/internal/backtest"
	"trapwatch/internal/config"
	"trapwatch/internal/db"
	"trapwatch/internal/history"
	"trapwatch/internal/repository"
	"trapwatch/internal/walkforward"
	"trapwatch/pkg/logging"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	sourcePostgres   = "postgres"
	sourceClickHouse = "clickhouse"
)

var (
	loadEnvFunc       = godotenv.Load
	loadConfigFunc    = config.Load
	newLoggerFunc     = logging.New
	initPostgresFunc  = db.InitPostgres
	openClickHouse    = history.Open
	openStoresFunc    = openStores
	notifyContextFunc = ossignal.NotifyContext
	nowFunc           = func() time.Time { return time.Now().UTC() }
)

type options struct {
	walkForward bool
	ticker      string
	days        int
	start       string
	end         string
	paramsPath  string
	source      string
	save        bool
	trainDays   int
	testDays    int
	stepDays    int
}

// stores holds the history a run replays and, with -save, where it is kept.
type stores struct {
	ticks backtest.TickSource
	runs  backtest.RunStore
	close func()
}

func main() {
	_ = loadEnvFunc()
	cfg := loadConfigFunc()

	// Logs go to stderr so stdout carries only the result.
	logger, err := newLoggerFunc(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := notifyContextFunc(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], cfg, os.Stdout, logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Error("backtest failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, cfg *config.Config, out io.Writer, logger *zap.Logger) error {
	opts, err := parseFlags(args, cfg)
	if err != nil {
		return err
	}
	start, end, err := opts.window(nowFunc())
	if err != nil {
		return err
	}
	params, err := loadParams(opts.paramsPath)
	if err != nil {
		return err
	}

	st, err := openStoresFunc(ctx, cfg, opts.source, opts.save, logger)
	if err != nil {
		return err
	}
	defer st.close()

	bt := backtest.New(st.ticks, st.runs, cfg.Strategy, nil, logger.Named("backtest"))

	var result any
	if opts.walkForward {
		v := walkforward.New(bt, st.runs, nil, logger.Named("walkforward"))
		result, err = v.Run(ctx, walkforward.Request{
			Ticker:    opts.ticker,
			Start:     start,
			End:       end,
			TrainDays: opts.trainDays,
			TestDays:  opts.testDays,
			StepDays:  opts.stepDays,
			Params:    params,
		})
	} else {
		result, err = bt.Run(ctx, backtest.Request{Ticker: opts.ticker, Start: start, End: end, Params: params})
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("run interrupted: %w", err)
		}
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func parseFlags(args []string, cfg *config.Config) (options, error) {
	var o options
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	fs.BoolVar(&o.walkForward, "walk-forward", false, "run walk-forward validation instead of a single backtest")
	fs.StringVar(&o.ticker, "ticker", "", "ticker to replay, e.g. ETH")
	fs.IntVar(&o.days, "days", 0, "replay the last N days (ignored when -start/-end are set)")
	fs.StringVar(&o.start, "start", "", "range start, RFC3339")
	fs.StringVar(&o.end, "end", "", "range end, RFC3339")
	fs.StringVar(&o.paramsPath, "params", "", "YAML file of strategy parameter overrides")
	fs.StringVar(&o.source, "source", sourcePostgres, "tick history: postgres or clickhouse")
	fs.BoolVar(&o.save, "save", false, "store the run in postgres")
	fs.IntVar(&o.trainDays, "train-days", cfg.WalkForwardTrainDays, "walk-forward train window")
	fs.IntVar(&o.testDays, "test-days", cfg.WalkForwardTestDays, "walk-forward test window")
	fs.IntVar(&o.stepDays, "step-days", 0, "walk-forward step (defaults to test-days)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	o.ticker = strings.ToUpper(strings.TrimSpace(o.ticker))
	if o.ticker == "" {
		return o, errors.New("-ticker is required")
	}
	o.source = strings.ToLower(o.source)
	if o.source != sourcePostgres && o.source != sourceClickHouse {
		return o, fmt.Errorf("unknown -source %q", o.source)
	}
	if o.days <= 0 {
		o.days = cfg.BacktestDefaultDays
		if o.walkForward {
			o.days = o.trainDays + cfg.BacktestDefaultDays*o.testDays
		}
	}
	return o, nil
}

// window resolves the replay range. An explicit -start/-end pair wins over
// -days, which counts back from now.
func (o options) window(now time.Time) (time.Time, time.Time, error) {
	if o.start == "" && o.end == "" {
		return now.AddDate(0, 0, -o.days), now, nil
	}
	if o.start == "" || o.end == "" {
		return time.Time{}, time.Time{}, errors.New("-start and -end must be given together")
	}
	start, err := time.Parse(time.RFC3339, o.start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse -start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, o.end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse -end: %w", err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("-start must be before -end")
	}
	return start.UTC(), end.UTC(), nil
}

func loadParams(path string) (map[string]float64, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	var params map[string]float64
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode params %s: %w", path, err)
	}
	return params, nil
}

func openStores(ctx context.Context, cfg *config.Config, source string, save bool, logger *zap.Logger) (*stores, error) {
	tracer := noop.NewTracerProvider().Tracer("backtest-cli")
	st := &stores{}
	var closers []func()
	st.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if source == sourcePostgres || save {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for postgres history or -save")
		}
		pool, err := initPostgresFunc(ctx, cfg.DatabaseURL, db.PoolConfigFromEnv(), logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pool.Close)
		repos := repository.New(pool, tracer)
		if source == sourcePostgres {
			st.ticks = repos.Snapshots
		}
		if save {
			st.runs = repos.Backtests
		}
	}

	if source == sourceClickHouse {
		conn, err := openClickHouse(ctx, history.Options{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		}, logger)
		if err != nil {
			st.close()
			return nil, err
		}
		closers = append(closers, func() { _ = conn.Close() })
		st.ticks = history.NewClickHouseSource(conn, tracer)
	}
	return st, nil
}
