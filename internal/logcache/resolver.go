package logcache

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/harrybrwn/plc/plc"
)

// LogSource fetches operation logs, usually a [plc.Client].
type LogSource interface {
	GetOperationLog(ctx context.Context, did string) (plc.Log, error)
}

// Resolver verifies logs from a LogSource and caches them. Fresh entries are
// served without a fetch. A stale entry is refetched but still served if the
// source cannot be reached, an expired one never is. A log that the source
// returns but fails verification is an error even with a stale entry on hand.
type Resolver struct {
	source LogSource
	cache  *LogCache
	policy plc.Policy
	logger *slog.Logger
}

func NewResolver(source LogSource, cache *LogCache, policy plc.Policy) *Resolver {
	return &Resolver{
		source: source,
		cache:  cache,
		policy: policy,
		logger: slog.Default(),
	}
}

func (r *Resolver) ResolveTip(ctx context.Context, did string) (*plc.Tip, error) {
	log, err := r.ResolveLog(ctx, did)
	if err != nil {
		return nil, err
	}
	return plc.NewTip(log)
}

// ResolveLog returns the verified log of did.
func (r *Resolver) ResolveLog(ctx context.Context, did string) (plc.Log, error) {
	cached, err := r.cache.Get(ctx, did)
	switch {
	case err == nil && !cached.Stale:
		return cached.Log, nil
	case err != nil && !errors.Is(err, ErrMiss):
		r.logger.Warn("failed to read log cache", "did", did, "error", err)
	}
	log, ferr := r.fetch(ctx, did)
	if ferr == nil {
		return log, nil
	}
	if cached != nil && !cached.Expired && !isLogError(ferr) {
		r.logger.Warn("serving stale log", "did", did, "error", ferr)
		return cached.Log, nil
	}
	return nil, ferr
}

func (r *Resolver) fetch(ctx context.Context, did string) (plc.Log, error) {
	log, err := r.source.GetOperationLog(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(log) == 0 {
		return nil, &plc.EmptyLogError{DID: did}
	}
	doc, err := plc.VerifyLog(log, r.policy)
	if err != nil {
		return nil, err
	}
	if doc.DID != did {
		return nil, &plc.BrokenChainError{Index: 0, Reason: "log derives " + doc.DID}
	}
	if err = r.cache.Put(ctx, did, log); err != nil {
		r.logger.Warn("failed to cache log", "did", did, "error", err)
	}
	return log, nil
}

// isLogError reports whether err is about the content of a fetched log rather
// than a failure to fetch it.
func isLogError(err error) bool {
	var (
		invalid  *plc.ValidationError
		broken   *plc.BrokenChainError
		empty    *plc.EmptyLogError
		mismatch *plc.PrecursorMismatchError
	)
	return errors.As(err, &invalid) ||
		errors.As(err, &broken) ||
		errors.As(err, &empty) ||
		errors.As(err, &mismatch)
}

// Purge drops did from the cache so the next resolve fetches it.
func (r *Resolver) Purge(ctx context.Context, did string) error {
	return r.cache.ClearEntry(ctx, did)
}
