package cmd

import (
	"go.uber.org/zap"

	"github.com/chaos-io/nobg/config"
	"github.com/chaos-io/nobg/pipeline"
	"github.com/chaos-io/nobg/rembg"
)

// newRemover builds the configured background remover.
func newRemover(cfg *config.Config, log *zap.Logger) (rembg.Remover, error) {
	return rembg.New(rembg.Options{
		Backend:         cfg.RemBG.Backend,
		URL:             cfg.RemBG.URL,
		Model:           cfg.RemBG.Model,
		MaxEdge:         cfg.RemBG.MaxEdge,
		SkipTransparent: cfg.RemBG.SkipTransparent,
		Timeout:         cfg.App.RemoveTimeout,
		Logger:          log,
	})
}

func newInvoker(cfg *config.Config, remover rembg.Remover, outputDir string, log *zap.Logger) *pipeline.Invoker {
	pool := pipeline.NewPool(cfg.App.Workers)
	return pipeline.NewInvoker(remover, outputDir, pool, cfg.App.RemoveTimeout, log)
}
