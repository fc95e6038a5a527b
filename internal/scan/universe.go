package scan

import (
	"context"
	"log"
	"sort"
)

// minUniverseFloor is the minimum active-ticker count below which the
// universe provider bootstraps from the upstream reference directory
// rather than trusting a possibly-stale symbols table.
const minUniverseFloor = 100

// ReferenceProvider is the upstream ticker-directory collaborator used
// only to refresh the universe — a distinct upstream call from the
// per-ticker bar-history fetch (C3/internal/fetch), implemented against
// github.com/polygon-io/client-go in internal/store.
type ReferenceProvider interface {
	ListActiveTickers(ctx context.Context) ([]TickerDetail, error)
}

// UniverseProvider returns the ticker list for a run from the store,
// optionally refreshing it from the upstream directory first.
type UniverseProvider struct {
	store     Store
	reference ReferenceProvider
}

// NewUniverseProvider builds a provider over store and an optional
// reference provider (nil disables upstream refresh, e.g. in tests).
func NewUniverseProvider(store Store, reference ReferenceProvider) *UniverseProvider {
	return &UniverseProvider{store: store, reference: reference}
}

// Tickers returns the stable-sorted active ticker list, bootstrapping
// from the upstream directory if the stored universe is below the
// floor or a refresh was explicitly requested.
func (u *UniverseProvider) Tickers(ctx context.Context, forceRefresh bool) ([]string, error) {
	tickers, err := u.store.ActiveTickers(ctx)
	if err != nil {
		return nil, err
	}

	if (forceRefresh || len(tickers) < minUniverseFloor) && u.reference != nil {
		details, err := u.reference.ListActiveTickers(ctx)
		if err != nil {
			log.Printf("universe refresh failed, falling back to stored universe of %d tickers: %v", len(tickers), err)
		} else if len(details) > 0 {
			if err := u.store.UpsertTickerDetails(ctx, details); err != nil {
				log.Printf("universe refresh: failed to persist ticker details: %v", err)
			} else if refreshed, err := u.store.ActiveTickers(ctx); err == nil {
				tickers = refreshed
			}
		}
	}

	sorted := append([]string(nil), tickers...)
	sort.Strings(sorted)
	return sorted, nil
}
