package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/txscope/service/metrics"
	"golang.org/x/sync/errgroup"
)

// UnknownName is the display name used for tokens without a known name.
const UnknownName = "Unknown Token"

var (
	// ErrRetryLater is returned by Resolve when a previous lookup failed and
	// the mint is still backing off.
	ErrRetryLater = errors.New("metadata lookup backing off")

	// ErrGaveUp is returned by Resolve once a mint exhausted its attempts.
	// The mint is never looked up again.
	ErrGaveUp = errors.New("metadata lookup abandoned")
)

// Metadata is the display information of a token.
type Metadata struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Fetcher looks up the metadata of a single mint.
type Fetcher interface {
	FetchMetadata(ctx context.Context, mint string) (Metadata, error)
}

// Options tune the failure policy and fan-out of a Cache.
type Options struct {
	// MaxAttempts bounds the number of failed lookups per mint before the
	// failure is cached permanently.
	MaxAttempts int
	// RetryBackoff is the delay after the first failure; it doubles with
	// each further failure up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// Concurrency bounds parallel lookups in ResolveAll.
	Concurrency int
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  3,
		RetryBackoff: 5 * time.Second,
		MaxBackoff:   5 * time.Minute,
		Concurrency:  8,
		Now:          time.Now,
	}
}

type entry struct {
	meta     Metadata
	resolved bool

	// inflight is non-nil while a lookup is outstanding and is closed when
	// it completes.
	inflight chan struct{}

	attempts    int
	nextAttempt time.Time
	lastErr     error
}

// Cache maps mints to metadata. Entries are only ever added: a resolved mint
// is never looked up again and at most one lookup per mint is in flight.
type Cache struct {
	fetcher Fetcher
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache creates a cache backed by fetcher. Zero option fields take their
// defaults. If metrics is nil, no metrics are recorded.
func NewCache(fetcher Fetcher, opts Options, m *metrics.Metrics, logger *slog.Logger) *Cache {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		fetcher: fetcher,
		opts:    opts,
		metrics: m,
		logger:  logger.With("component", "metadata_cache"),
		entries: make(map[string]*entry),
	}
}

// Resolve makes sure mint is resolved. It returns immediately for cached
// mints, waits for an outstanding lookup of the same mint instead of issuing a
// second one, and otherwise performs the lookup. The returned error is
// informational: failures only affect the mint itself.
func (c *Cache) Resolve(ctx context.Context, mint string) error {
	c.mu.Lock()
	e, ok := c.entries[mint]
	if !ok {
		e = &entry{}
		c.entries[mint] = e
	}

	switch {
	case e.resolved:
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordMetadataCacheHit()
		}
		return nil

	case e.inflight != nil:
		wait := e.inflight
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		return c.outcome(mint)

	case e.attempts >= c.opts.MaxAttempts:
		err := e.lastErr
		c.mu.Unlock()
		return fmt.Errorf("%w for %s: %v", ErrGaveUp, mint, err)

	case c.opts.Now().Before(e.nextAttempt):
		next, err := e.nextAttempt, e.lastErr
		c.mu.Unlock()
		return fmt.Errorf("%w for %s until %s: %v", ErrRetryLater, mint, next.Format(time.RFC3339), err)
	}

	done := make(chan struct{})
	e.inflight = done
	c.mu.Unlock()

	meta, err := c.fetcher.FetchMetadata(ctx, mint)

	c.mu.Lock()
	e.inflight = nil
	if err == nil {
		if strings.TrimSpace(meta.Name) == "" {
			meta.Name = UnknownName
		}
		e.meta = meta
		e.resolved = true
		e.lastErr = nil
	} else if ctx.Err() == nil {
		// Cancellation by the caller does not count against the mint.
		e.attempts++
		e.lastErr = err
		e.nextAttempt = c.opts.Now().Add(c.backoff(e.attempts))
	}
	attempts := e.attempts
	c.mu.Unlock()
	close(done)

	if err != nil {
		c.logger.WarnContext(ctx, "failed to fetch token metadata",
			"mint", mint,
			"attempt", attempts,
			"max_attempts", c.opts.MaxAttempts,
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.RecordMetadataLookup("error")
		}
		return fmt.Errorf("failed to fetch metadata for %s: %w", mint, err)
	}

	c.logger.DebugContext(ctx, "resolved token metadata", "mint", mint, "name", meta.Name)
	if c.metrics != nil {
		c.metrics.RecordMetadataLookup("success")
	}
	return nil
}

// outcome reports the state of mint after waiting on another caller's lookup.
func (c *Cache) outcome(mint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[mint]
	if e.resolved {
		return nil
	}
	if e.lastErr != nil {
		return fmt.Errorf("failed to fetch metadata for %s: %w", mint, e.lastErr)
	}
	return fmt.Errorf("metadata lookup for %s was cancelled", mint)
}

func (c *Cache) backoff(attempts int) time.Duration {
	d := c.opts.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	return d
}

// ResolveAll resolves the distinct mints concurrently, bounded by the
// configured concurrency. Individual failures are joined into the returned
// error and do not stop the other lookups.
func (c *Cache) ResolveAll(ctx context.Context, mints []string) error {
	seen := make(map[string]struct{}, len(mints))
	var pending []string
	for _, mint := range mints {
		if mint == "" {
			continue
		}
		if _, ok := seen[mint]; ok {
			continue
		}
		seen[mint] = struct{}{}
		pending = append(pending, mint)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(c.opts.Concurrency)
	for _, mint := range pending {
		g.Go(func() error {
			if err := c.Resolve(ctx, mint); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Get returns the metadata of a resolved mint.
func (c *Cache) Get(mint string) (Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mint]
	if !ok || !e.resolved {
		return Metadata{}, false
	}
	return e.meta, true
}

// DisplayName returns the resolved name of mint or UnknownName.
func (c *Cache) DisplayName(mint string) string {
	if meta, ok := c.Get(mint); ok {
		return meta.Name
	}
	return UnknownName
}

// MintByName finds the resolved mint whose name equals name, ignoring case.
// When several mints share a name the lexicographically smallest wins.
func (c *Cache) MintByName(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best string
	for mint, e := range c.entries {
		if !e.resolved || !strings.EqualFold(e.meta.Name, name) {
			continue
		}
		if best == "" || mint < best {
			best = mint
		}
	}
	return best, best != ""
}

// Snapshot returns every resolved entry.
func (c *Cache) Snapshot() map[string]Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Metadata, len(c.entries))
	for mint, e := range c.entries {
		if e.resolved {
			out[mint] = e.meta
		}
	}
	return out
}

// Mints returns the resolved mints in sorted order.
func (c *Cache) Mints() []string {
	snap := c.Snapshot()
	out := make([]string, 0, len(snap))
	for mint := range snap {
		out = append(out, mint)
	}
	sort.Strings(out)
	return out
}
