// Package jobs runs hindcast backfills: many independent forecast dates
// processed by a small pool of workers, each with its own archive
// session.
package jobs

import (
	"context"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Worker processes one forecast date and reports how many members it
// produced. Implementations are not safe for concurrent use; the pool
// gives each goroutine its own.
type Worker interface {
	RunDate(ctx context.Context, date time.Time) (int, error)
}

// WorkerFactory builds a fresh worker per pool goroutine, typically
// wrapping a dedicated archive connection.
type WorkerFactory func() (Worker, error)

// Result is one date's outcome. Per-date failures are results, not pool
// failures: a hindcast over decades should survive individual bad
// dates.
type Result struct {
	Date    time.Time
	Members int
	Err     error
}

type Pool struct {
	workers int
	factory WorkerFactory
}

func NewPool(workers int, factory WorkerFactory) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers, factory: factory}
}

// Run processes every date and returns results ordered by date. It
// returns an error only when a worker could not be built or the context
// was cancelled.
func (p *Pool) Run(ctx context.Context, dates []time.Time) ([]Result, error) {
	g, ctx := errgroup.WithContext(ctx)

	work := make(chan time.Time)
	results := make(chan Result, len(dates))

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			w, err := p.factory()
			if err != nil {
				return err
			}
			for date := range work {
				n, err := w.RunDate(ctx, date)
				if err != nil {
					log.Printf("hindcast: %s failed: %v", date.Format("2006-01-02"), err)
				}
				results <- Result{Date: date, Members: n, Err: err}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(work)
		for _, date := range dates {
			select {
			case work <- date:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	out := make([]Result, 0, len(dates))
	for r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// HindcastDates enumerates every date in [from, to] that lands on a
// given day-of-month stride, oldest first. A stride of 1 is every day.
func HindcastDates(from, to time.Time, strideDays int) []time.Time {
	if strideDays < 1 {
		strideDays = 1
	}
	var out []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, strideDays) {
		out = append(out, d)
	}
	return out
}
