// Package fetcher resolves CNPJs through the cache first and the
// registry second, pacing registry calls with a single process-wide
// rate limiter. The public API allows 5 requests per minute per IP;
// the limiter is the only thing standing between this process and a
// ban, so every uncached lookup in the process funnels through it.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/cache"
	"github.com/manlek25/optantes/registry"
)

// Fetcher answers "what company is this CNPJ" using cache and registry.
type Fetcher struct {
	client   registry.Client
	store    cache.Store
	limiter  *rate.Limiter
	ttl      time.Duration
	negative bool
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithTTL sets the cache freshness window. Default 24h.
func WithTTL(d time.Duration) Option {
	return func(f *Fetcher) { f.ttl = d }
}

// WithNegativeCaching controls whether definitive not-found answers
// are cached. Default on.
func WithNegativeCaching(on bool) Option {
	return func(f *Fetcher) { f.negative = on }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// New creates a Fetcher. minInterval is the floor between consecutive
// registry calls across the whole process; the limiter starts with one
// token so the first call goes out immediately.
func New(client registry.Client, store cache.Store, minInterval time.Duration, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   client,
		store:    store,
		limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
		ttl:      24 * time.Hour,
		negative: true,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Resolve returns company data for a normalized CNPJ. cached reports
// whether the answer came from a fresh cache entry, which bypasses the
// limiter entirely. A definitive miss returns optantes.ErrNotFound; a
// transient failure returns an error wrapping optantes.ErrUpstream and
// caches nothing, so a retry can try the registry again.
func (f *Fetcher) Resolve(ctx context.Context, cnpj string) (company *registry.Company, cached bool, err error) {
	entry, err := f.store.Get(ctx, cnpj)
	switch {
	case err == nil:
		if entry.Fresh(f.ttl, f.now()) {
			if entry.NotFound {
				return nil, true, fmt.Errorf("%w: cnpj %s", optantes.ErrNotFound, cnpj)
			}
			return entry.Company(), true, nil
		}
	case errors.Is(err, optantes.ErrCacheMiss):
		// fall through to the registry
	default:
		// A broken cache degrades to registry-only; log and continue.
		f.logger.Warn("cache get failed", slog.String("cnpj", cnpj), slog.Any("error", err))
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, false, fmt.Errorf("optantes: rate limiter wait: %w", err)
	}

	company, err = f.client.Lookup(ctx, cnpj)
	if err != nil {
		if errors.Is(err, optantes.ErrNotFound) && f.negative {
			f.put(ctx, cache.NotFoundEntry(cnpj, f.now()))
		}
		return nil, false, err
	}

	f.put(ctx, cache.FromCompany(company, f.now()))
	return company, false, nil
}

func (f *Fetcher) put(ctx context.Context, entry *cache.Entry) {
	if err := f.store.Put(ctx, entry); err != nil {
		f.logger.Warn("cache put failed", slog.String("cnpj", entry.CNPJ), slog.Any("error", err))
	}
}
