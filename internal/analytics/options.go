package analytics

import (
	"fmt"

	"github.com/lvonguyen/threatlens/internal/config"
	"github.com/lvonguyen/threatlens/internal/feeds"
)

// OptionsFromConfig maps the engine and feed sections of cfg to Options.
// Sink, Metrics, Tracer and Logger are left for the caller.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	sources, err := feeds.NewSources(cfg.Feeds.Sources)
	if err != nil {
		return Options{}, fmt.Errorf("failed to build feed sources: %w", err)
	}

	return Options{
		Scoring:             cfg.Engine.Scoring,
		Prediction:          cfg.Engine.Prediction,
		MaxPaths:            cfg.Engine.MaxPaths,
		Shards:              cfg.Engine.Shards,
		AutoBlock:           cfg.Engine.AutoBlock,
		SweepInterval:       cfg.Engine.SweepInterval,
		FeedRefreshInterval: cfg.Feeds.RefreshInterval,
		FeedFetchTimeout:    cfg.Feeds.FetchTimeout,
		ZeroDayIndicators:   cfg.Engine.ZeroDayIndicators,
		ExpectedSignatures:  cfg.Engine.ExpectedSignatures,
		Sources:             sources,
	}, nil
}
