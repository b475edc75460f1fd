package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/firmware_updater/internal/config"
	"github.com/italolelis/firmware_updater/internal/feed"
)

// check fetches the feed once, refreshing the cache, and prints what it offers.
func check(ctx context.Context, cfg *config.Config, w io.Writer) error {
	if cfg.FeedURL == "" {
		return errors.New("FEED_URL is not set")
	}

	client := feed.NewClient(feed.ClientOptions{
		URL:      feed.ServerURL(cfg.FeedURL, cfg.Build),
		Token:    cfg.FeedToken,
		CacheDir: cfg.CacheDir,
		Build:    cfg.Build,
	})

	res, err := client.Check(ctx)
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}

	if len(res.Updates) == 0 {
		fmt.Fprintln(w, "no compatible updates")

		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVERSION\tTYPE\tBUILT\tSIZE\tINSTALLABLE")

	for _, u := range res.Updates {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			u.DownloadID,
			u.Name,
			u.Version,
			u.Type,
			humanize.Time(time.Unix(u.Timestamp, 0)),
			humanize.Bytes(uint64(max(u.FileSize, 0))),
			feed.CanInstall(u, cfg.Build),
		)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	if res.NewUpdates {
		fmt.Fprintln(w, "new updates since the last check")
	}

	return nil
}
