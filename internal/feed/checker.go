package feed

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/samber/lo"

	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/update"
)

// Sink receives the updates the feed offers.
type Sink interface {
	AddUpdate(ctx context.Context, info update.Info) bool
	SetUpdatesAvailableOnline(ctx context.Context, ids []string, purge bool)
}

// Checker periodically refreshes the feed and hands its entries to a Sink.
type Checker struct {
	client   *Client
	sink     Sink
	interval time.Duration
	// OnNewUpdates is called after a check found ids the previous feed did not have.
	OnNewUpdates func(ctx context.Context, updates []update.Info)
}

func NewChecker(client *Client, sink Sink, interval time.Duration) *Checker {
	return &Checker{client: client, sink: sink, interval: interval}
}

// LoadCached feeds the last fetched copy to the sink without purging, so
// updates stay listed while offline.
func (c *Checker) LoadCached(ctx context.Context) error {
	updates, err := c.client.Cached(ctx)
	if errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "no cached update feed")

		return nil
	}

	if err != nil {
		return err
	}

	c.apply(ctx, updates, false)

	return nil
}

// Check fetches the feed once. Records the feed dropped are purged.
func (c *Checker) Check(ctx context.Context) (Result, error) {
	res, err := c.client.Check(ctx)
	if err != nil {
		return Result{}, err
	}

	c.apply(ctx, res.Updates, true)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "update feed checked", "updates", len(res.Updates), "new", res.NewUpdates)

	if res.NewUpdates && c.OnNewUpdates != nil {
		c.OnNewUpdates(ctx, res.Updates)
	}

	return res, nil
}

func (c *Checker) apply(ctx context.Context, updates []update.Info, purge bool) {
	for _, info := range updates {
		c.sink.AddUpdate(ctx, info)
	}

	c.sink.SetUpdatesAvailableOnline(ctx, lo.Map(updates, func(i update.Info, _ int) string { return i.DownloadID }), purge)
}

// Run checks right away and then on every interval until ctx is done. Failed
// checks are logged and retried on the next tick.
func (c *Checker) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "update feed check failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
