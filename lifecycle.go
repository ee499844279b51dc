package appcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentDeletes bounds the store deletions of one sweep.
const maxConcurrentDeletes = 4

// onInstall is the default install handler.
// It stores every manifest asset, each one independently: a failing asset is
// logged and skipped, it never fails the install.
func (w *Worker) onInstall(ev *Event) error {
	for _, asset := range w.config.Manifest {
		asset := asset
		ev.WaitUntil(func(ctx context.Context) error {
			w.addAsset(ctx, asset)
			return nil
		})
	}
	if !w.config.DisableSkipWaiting {
		w.SkipWaiting()
	}
	return nil
}

// addAsset fetches a manifest URL and stores the response.
// It reports whether the asset was stored.
func (w *Worker) addAsset(ctx context.Context, asset string) bool {
	logger := w.log.With().Str("asset", asset).Logger()

	ref, err := url.Parse(asset)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not parse manifest URL")
		installAssets.WithLabelValues("failed").Inc()
		return false
	}
	target := w.reg.scope.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not create request for asset")
		installAssets.WithLabelValues("failed").Inc()
		return false
	}

	res, err := w.reg.network.Fetch(req)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not fetch asset")
		installAssets.WithLabelValues("failed").Inc()
		return false
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		res.Body.Close()
		logger.Warn().Int("status", res.StatusCode).Msg("Asset responded with bad status")
		installAssets.WithLabelValues("failed").Inc()
		return false
	}
	if err := w.responses.Put(ctx, req, res); err != nil {
		logger.Warn().Err(err).Msg("Could not store asset")
		installAssets.WithLabelValues("failed").Inc()
		return false
	}
	logger.Trace().Msg("Asset cached")
	installAssets.WithLabelValues("cached").Inc()
	return true
}

// onActivate is the default activate handler.
// Sweeping old stores and claiming clients run concurrently.
func (w *Worker) onActivate(ev *Event) error {
	ev.WaitUntil(w.sweep)
	if !w.config.DisableClaim {
		ev.WaitUntil(func(ctx context.Context) error {
			claimed := w.reg.clients.Claim(w.CacheName())
			w.log.Info().Int("clients", claimed).Msg("Claimed clients")
			return nil
		})
	}
	return nil
}

// sweep deletes every store except the worker's own.
func (w *Worker) sweep(ctx context.Context) error {
	names, err := w.reg.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDeletes)
	for _, name := range names {
		if name == w.CacheName() {
			continue
		}
		name := name
		g.Go(func() error {
			deleted, err := w.reg.storage.Delete(ctx, name)
			if err != nil {
				return fmt.Errorf("delete store %s: %w", name, err)
			}
			if deleted {
				w.log.Info().Msgf("Deleted old cache %s", name)
				storesDeleted.Inc()
			}
			return nil
		})
	}
	return g.Wait()
}
