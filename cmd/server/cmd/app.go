package cmd

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/maldi-atlas/server/internal/annotation"
	"github.com/maldi-atlas/server/internal/api"
	"github.com/maldi-atlas/server/internal/cache"
	"github.com/maldi-atlas/server/internal/config"
	"github.com/maldi-atlas/server/internal/dataset"
	"github.com/maldi-atlas/server/internal/render"
	"github.com/maldi-atlas/server/internal/service"
	"github.com/maldi-atlas/server/internal/spectral"
)

// app holds the components built from a configuration.
type app struct {
	cfg      *config.Config
	cache    *cache.Manager
	registry *api.DatasetRegistry
}

// newApp opens the configured datasets. When only is non-empty, just that
// dataset is opened. Preloading follows the configuration unless lazy is set.
func newApp(ctx context.Context, cfg *config.Config, only string, lazy bool) (*app, error) {
	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: cfg.Cache.ImageSizeMB,
		ImageTTL:         time.Duration(cfg.Cache.ImageTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	renderer := render.NewRenderer(render.Config{
		DefaultColormap: cfg.Render.DefaultColormap,
		Percentile:      cfg.Render.Percentile,
		LogScale:        cfg.Render.LogScale,
	})

	ids := cfg.Data.DatasetIDs()
	defaultID := cfg.Data.DefaultDataset
	if only != "" {
		if _, ok := cfg.Data.Datasets[only]; !ok {
			cacheManager.Close()
			return nil, fmt.Errorf("dataset %q is not configured", only)
		}
		ids = []string{only}
		defaultID = only
	}

	a := &app{cfg: cfg, cache: cacheManager}
	a.registry = api.NewDatasetRegistry(cfg.Server.Title)
	log.Printf("Initializing %d dataset(s), default: %s", len(ids), defaultID)

	for _, id := range ids {
		dsCfg := cfg.Data.Datasets[id]
		ds, err := dataset.Open(ctx, dataset.Config{
			Name:        id,
			Path:        dsCfg.StorePath,
			Backend:     dsCfg.Backend,
			Preload:     dsCfg.Preload && !lazy,
			VerifyCache: dsCfg.Verify(),
			Slices:      dsCfg.Slices,
			Workers:     cfg.Engine.LoadWorkers,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("dataset %q: %w", id, err)
		}
		log.Printf("  [%s] Loaded from: %s (%s, %d slices)", id, dsCfg.StorePath, dsCfg.Backend, len(ds.Slices()))

		var store *annotation.Store
		if dsCfg.AnnotationsPath != "" {
			store, err = annotation.Open(dsCfg.AnnotationsPath)
			if err != nil {
				log.Printf("  [%s] Lipid annotations not initialized: %v", id, err)
				store = nil
			} else {
				log.Printf("  [%s] Lipid annotations: %s", id, dsCfg.AnnotationsPath)
			}
		}

		svc := service.NewQueryService(service.QueryServiceConfig{
			DatasetID:   id,
			Dataset:     ds,
			Engine:      spectral.EngineConfig{MinCachedSpan: cfg.Engine.MinCachedSpan},
			Cache:       cacheManager,
			Renderer:    renderer,
			Annotations: store,
		})
		if err := a.registry.Register(svc); err != nil {
			svc.Close()
			a.Close()
			return nil, err
		}
	}
	if err := a.registry.SetDefault(defaultID); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases every dataset and the caches.
func (a *app) Close() {
	if err := a.registry.Close(); err != nil {
		log.Printf("Failed to close datasets: %v", err)
	}
	if err := a.cache.Close(); err != nil {
		log.Printf("Failed to close cache: %v", err)
	}
}

// loadApp loads the configuration and opens a single dataset for a one-shot command.
func loadApp(ctx context.Context, opts *globalOptions) (*app, *service.QueryService, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	id := opts.dataset
	if id == "" {
		id = cfg.Data.DefaultDataset
	}
	a, err := newApp(ctx, cfg, id, true)
	if err != nil {
		return nil, nil, err
	}
	svc, _ := a.registry.Lookup(id)
	return a, svc, nil
}

// parseRangeFlag parses "low:high".
func parseRangeFlag(s string) (service.Range, error) {
	lowStr, highStr, ok := strings.Cut(s, ":")
	if !ok {
		return service.Range{}, fmt.Errorf("range %q is not low:high", s)
	}
	low, err := strconv.ParseFloat(strings.TrimSpace(lowStr), 64)
	if err != nil {
		return service.Range{}, fmt.Errorf("range %q: %w", s, err)
	}
	high, err := strconv.ParseFloat(strings.TrimSpace(highStr), 64)
	if err != nil {
		return service.Range{}, fmt.Errorf("range %q: %w", s, err)
	}
	return service.Range{Low: low, High: high}, nil
}

func parseRangeFlags(values []string) ([]service.Range, error) {
	out := make([]service.Range, 0, len(values))
	for _, v := range values {
		r, err := parseRangeFlag(v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
