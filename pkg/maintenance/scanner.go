// Package maintenance keeps the keyspace healthy: it seeds next-period
// counters ahead of rollover, runs that on a schedule and purges a prefix.
package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/kansas/pkg/models"
	"github.com/pario-ai/kansas/pkg/period"
	"github.com/pario-ai/kansas/pkg/store"
)

// Defaults for ScannerOptions.
const (
	DefaultConcurrency = 1
	DefaultScanCount   = 100
)

// Stats summarizes one pre-population run.
type Stats struct {
	Scanned   int64
	Skipped   int64
	Failed    int64
	Populated int64
	Duration  time.Duration
}

// Observer receives the outcome of every pre-population run.
type Observer interface {
	ObservePrepopulate(Stats, error)
}

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	Logger      hclog.Logger
	Concurrency int
	ScanCount   int64
	Observer    Observer
}

// Scanner walks every token record and makes sure the current and next
// period counters exist.
type Scanner struct {
	store       *store.Store
	periods     *period.Calculator
	logger      hclog.Logger
	concurrency int
	scanCount   int64
	observer    Observer
}

// NewScanner returns a Scanner.
func NewScanner(s *store.Store, periods *period.Calculator, opts ScannerOptions) *Scanner {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = DefaultScanCount
	}
	return &Scanner{
		store:       s,
		periods:     periods,
		logger:      opts.Logger.Named("prepopulate"),
		concurrency: opts.Concurrency,
		scanCount:   opts.ScanCount,
		observer:    opts.Observer,
	}
}

// Prepopulate seeds missing counters for every token. Existing counters are
// never overwritten. Failures on a single token are logged and skipped; only
// a failing scan aborts the run.
func (s *Scanner) Prepopulate(ctx context.Context) (Stats, error) {
	start := time.Now()
	s.logger.Info("starting prepopulation")

	var scanned, skipped, failed, populated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	iter := s.store.Client().Scan(ctx, 0, s.store.TokenPattern(), s.scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		scanned.Add(1)
		g.Go(func() error {
			n, ok, err := s.populate(gctx, key)
			switch {
			case err != nil:
				failed.Add(1)
				s.logger.Error("prepopulate token failed", "key", key, "error", err)
			case !ok:
				skipped.Add(1)
			default:
				populated.Add(n)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{
		Scanned:   scanned.Load(),
		Skipped:   skipped.Load(),
		Failed:    failed.Load(),
		Populated: populated.Load(),
		Duration:  time.Since(start),
	}
	err := iter.Err()
	if err != nil {
		err = store.Wrap("scan tokens", err)
		s.logger.Error("prepopulation aborted", "error", err)
	} else {
		s.logger.Info("prepopulation done", "scanned", stats.Scanned, "populated", stats.Populated,
			"skipped", stats.Skipped, "failed", stats.Failed, "duration", stats.Duration)
	}
	if s.observer != nil {
		s.observer.ObservePrepopulate(stats, err)
	}
	return stats, err
}

// populate seeds the counters of the record at key and returns how many it
// created. ok is false when the record was skipped.
func (s *Scanner) populate(ctx context.Context, key string) (n int64, ok bool, err error) {
	vals, err := s.store.Client().HMGet(ctx, key,
		store.FieldToken, store.FieldLimit, store.FieldPeriod, store.FieldCount).Result()
	if err != nil {
		return 0, false, store.Wrap("read token", err)
	}
	token, _ := vals[0].(string)
	if token == "" {
		s.logger.Trace("record has no token field, skipping", "key", key)
		return 0, false, nil
	}
	p, _ := vals[2].(string)
	if !models.Period(p).Valid() {
		s.logger.Trace("record has an invalid period, skipping", "key", key, "period", p)
		return 0, false, nil
	}
	count := vals[3] == "1"

	startValue := models.CountStart
	if !count {
		limit, _ := vals[1].(string)
		startValue, err = store.DecodeLimit(limit)
		if err != nil {
			return 0, false, fmt.Errorf("token %s: %w", token, err)
		}
	}

	cur, err := s.periods.Current(models.Period(p))
	if err != nil {
		return 0, false, err
	}
	next, err := s.periods.Next(models.Period(p))
	if err != nil {
		return 0, false, err
	}
	for _, bucket := range []string{cur, next} {
		set, err := s.store.Client().SetNX(ctx, s.store.UsageKey(bucket, token, count), startValue, 0).Result()
		if err != nil {
			return n, false, store.Wrap("seed counter", err)
		}
		if set {
			n++
		}
	}
	return n, true, nil
}
