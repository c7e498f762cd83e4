package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chaos-io/nobg/config"
	"github.com/chaos-io/nobg/pipeline"
	"github.com/chaos-io/nobg/server"
	"github.com/chaos-io/nobg/storage"
)

const shutdownTimeout = 10 * time.Second

type ServeOptions struct {
	root *RootOptions
	cfg  *config.Config
	log  *zap.Logger

	Addr    string
	BaseURL string
	Backend string
	Bucket  string
}

func NewServeOptions(root *RootOptions) *ServeOptions {
	return &ServeOptions{root: root}
}

func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the background removal HTTP server",
		Example: `  # Start on the default address
  nobg serve

  # Listen on :8080 and mirror outputs to a GCS bucket
  nobg serve --addr :8080 --bucket my-nobg-bucket`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run()
		},
	}

	cmd.Flags().StringVarP(&o.Addr, "addr", "a", "", "Listen address (default :5000)")
	cmd.Flags().StringVar(&o.BaseURL, "base-url", "", "Prefix of download links")
	cmd.Flags().StringVarP(&o.Backend, "backend", "b", "", "Remover backend: rembg, comfyui or colorkey")
	cmd.Flags().StringVar(&o.Bucket, "bucket", "", "GCS bucket to mirror outputs to")

	return cmd
}

func (o *ServeOptions) Complete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, o.root.ConfigFile, map[string]string{
		config.KeyHTTPAddr:  "addr",
		config.KeyBaseURL:   "base-url",
		config.KeyBackend:   "backend",
		config.KeyGCSBucket: "bucket",
	})
	if err != nil {
		return err
	}
	o.cfg = cfg

	o.log, err = newLogger(cfg)
	return err
}

func (o *ServeOptions) Validate() error {
	if o.cfg.Server.Addr == "" {
		return fmt.Errorf("%s must not be empty", config.KeyHTTPAddr)
	}
	return nil
}

func (o *ServeOptions) Run() error {
	defer func() { _ = o.log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := o.cfg
	if err := pipeline.EnsureLayout(cfg.App.UploadDir, cfg.App.OutputDir); err != nil {
		return err
	}

	remover, err := newRemover(cfg, o.log)
	if err != nil {
		return err
	}
	invoker := newInvoker(cfg, remover, cfg.App.OutputDir, o.log)

	var publisher pipeline.Publisher
	if cfg.Mirror.GCSBucket != "" {
		uploader, err := storage.NewGCSUploader(ctx, storage.GCSConfig{
			Bucket:   cfg.Mirror.GCSBucket,
			SignURLs: cfg.Mirror.SignURLs,
		})
		if err != nil {
			return err
		}
		defer func() { _ = uploader.Close() }()
		publisher = storage.NewMirror(uploader, "")
		o.log.Info("Mirroring outputs", zap.String("bucket", cfg.Mirror.GCSBucket))
	}

	coordinator := pipeline.NewCoordinator(
		pipeline.NewGate(cfg.App.AllowedExtensions),
		pipeline.NewIntake(cfg.App.UploadDir, cfg.App.UniqueNames),
		invoker,
		pipeline.CoordinatorOptions{
			BaseURL:       cfg.Server.BaseURL,
			UniqueNames:   cfg.App.UniqueNames,
			ReportSkipped: cfg.App.ReportSkipped,
			Publisher:     publisher,
		},
		o.log,
	)

	if cfg.Sweeper.Schedule != "" {
		sweeper := pipeline.NewSweeper(cfg.App.UploadDir, cfg.Sweeper.MaxAge, o.log)
		if err := sweeper.Start(cfg.Sweeper.Schedule); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			sweeper.Stop(stopCtx)
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(server.Options{
		Addr:        cfg.Server.Addr,
		OutputDir:   cfg.App.OutputDir,
		MaxFileSize: cfg.App.MaxFileSize,
		Version:     version,
		Batch:       coordinator,
		Remover:     remover,
		Logger:      o.log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	o.log.Info("Server exited")
	return nil
}
