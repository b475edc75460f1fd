package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/italolelis/firmware_updater/internal/config"
	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/telemetry"
	"github.com/italolelis/firmware_updater/internal/update"
)

const (
	// CacheFile is the name of the last fetched feed inside the cache directory.
	CacheFile = "updates.json"

	maxFeedSize       = 4 << 20
	defaultMaxElapsed = 2 * time.Minute
)

// StatusError is returned when the feed server answers with a non 2xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed server answered %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// URL is the already expanded feed address, see ServerURL.
	URL string
	// Token is sent as a bearer token when set.
	Token    string
	CacheDir string
	Build    config.Build

	HTTPClient *http.Client
	// MaxElapsed bounds the retries of a single fetch.
	MaxElapsed    time.Duration
	RetryInterval time.Duration
	Telemetry     *telemetry.Telemetry
}

// Client fetches the feed and keeps the last good copy on disk.
type Client struct {
	url        string
	cachePath  string
	build      config.Build
	http       *http.Client
	maxElapsed time.Duration
	interval   time.Duration
	telemetry  *telemetry.Telemetry
}

// Result is the outcome of one feed check.
type Result struct {
	Updates []update.Info
	// NewUpdates is set when the feed offers an id the previous copy did not.
	NewUpdates bool
}

func NewClient(opts ClientOptions) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 30 * time.Second}
	}

	if opts.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	}

	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}

	interval := opts.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &Client{
		url:        opts.URL,
		cachePath:  filepath.Join(opts.CacheDir, CacheFile),
		build:      opts.Build,
		http:       client,
		maxElapsed: maxElapsed,
		interval:   interval,
		telemetry:  opts.Telemetry,
	}
}

// Fetch downloads the feed document, retrying transient failures with an
// exponential backoff. Client errors other than 429 are not retried.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", c.url)

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to build feed request: %w", err))
		}

		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			logger.WarnContext(ctx, "feed request failed, retrying", "err", err)

			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := &StatusError{StatusCode: resp.StatusCode}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, backoff.Permanent(err)
			}

			logger.WarnContext(ctx, "feed server unavailable, retrying", "status", resp.StatusCode)

			return nil, err
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read feed: %w", err)
		}

		return body, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.interval
	bo.MaxInterval = 30 * time.Second

	body, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(c.maxElapsed))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch update feed: %w", err)
	}

	return body, nil
}

// Check fetches the feed, compares it with the cached copy and replaces the
// cache. A feed that cannot be parsed never replaces a good cached copy.
func (c *Client) Check(ctx context.Context) (Result, error) {
	var res Result

	err := c.telemetry.InstrumentFeedCheck(ctx, func(ctx context.Context) error {
		body, err := c.Fetch(ctx)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o755); err != nil {
			return fmt.Errorf("failed to create feed cache directory: %w", err)
		}

		tmp := c.cachePath + ".tmp"
		if err := os.WriteFile(tmp, body, 0o644); err != nil {
			return fmt.Errorf("failed to write feed: %w", err)
		}
		defer os.Remove(tmp)

		updates, err := ParseFile(ctx, tmp, c.build, true)
		if err != nil {
			return err
		}

		res.Updates = updates
		res.NewUpdates = len(updates) > 0

		if _, err := os.Stat(c.cachePath); err == nil {
			res.NewUpdates, err = CheckForNewUpdates(ctx, c.cachePath, tmp, c.build)
			if err != nil {
				logctx.LoggerFromContext(ctx).WarnContext(ctx, "cached feed is unreadable, treating everything as new", "err", err)

				res.NewUpdates = len(updates) > 0
			}
		}

		if err := os.Rename(tmp, c.cachePath); err != nil {
			return fmt.Errorf("failed to replace cached feed: %w", err)
		}

		return nil
	})
	if err != nil {
		return Result{}, err
	}

	return res, nil
}

// Cached parses the last fetched feed. It returns an error wrapping
// os.ErrNotExist when no feed was fetched yet.
func (c *Client) Cached(ctx context.Context) ([]update.Info, error) {
	updates, err := ParseFile(ctx, c.cachePath, c.build, true)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read cached feed: %w", err)
	}

	return updates, err
}
