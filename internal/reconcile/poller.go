package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	opPollerNew = "reconcile.poller.new"

	// DefaultInterval is the inbound polling period.
	DefaultInterval = 5 * time.Minute
)

var errMissingInbound = errors.New("inbound reconciler is required")

// Syncer runs one inbound reconciliation.
type Syncer interface {
	SyncNow(ctx context.Context) (Result, error)
}

// PollerConfig wires the inbound poller.
type PollerConfig struct {
	Inbound  Syncer
	Interval time.Duration
	Logger   *zap.Logger
}

// Poller runs inbound sync once at start and then on a fixed schedule.
// A run still in progress causes the next tick to be skipped.
type Poller struct {
	inbound  Syncer
	interval time.Duration
	logger   *zap.Logger
}

// NewPoller validates the configuration.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Inbound == nil {
		return nil, fmt.Errorf("%s: %w", opPollerNew, errMissingInbound)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Poller{inbound: cfg.Inbound, interval: interval, logger: logger}, nil
}

// Run blocks until ctx is cancelled and the running tick, if any, has returned.
func (p *Poller) Run(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(p.logger.Named("cron")))
	scheduler := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", p.interval), func() { p.tick(ctx) }); err != nil {
		return fmt.Errorf("%s: %w", opPollerNew, err)
	}

	p.tick(ctx)
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

// SyncNow runs one inbound reconciliation outside the schedule.
func (p *Poller) SyncNow(ctx context.Context) (Result, error) {
	return p.inbound.SyncNow(ctx)
}

func (p *Poller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := p.inbound.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("scheduled inbound sync failed", zap.Error(err))
	}
}
