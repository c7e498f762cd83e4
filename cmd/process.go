package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chaos-io/nobg/config"
	"github.com/chaos-io/nobg/pipeline"
	"github.com/chaos-io/nobg/rembg"
	"github.com/chaos-io/nobg/util"
	nhttp "github.com/chaos-io/nobg/util/http"
)

// DirectoryExtensions selects the files processed in directory mode.
var DirectoryExtensions = []string{"png", "jpg", "jpeg", "webp", "bmp"}

const defaultDownloadName = "image.png"

type ProcessOptions struct {
	root    *RootOptions
	cfg     *config.Config
	log     *zap.Logger
	remover rembg.Remover
	client  nhttp.IClient

	Input   string
	Output  string
	Backend string
}

func NewProcessOptions(root *RootOptions) *ProcessOptions {
	return &ProcessOptions{root: root}
}

func NewProcessCommand(o *ProcessOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Remove the background of local images or an image URL",
		Example: `  # One file
  nobg process --input cat.jpg

  # Every image of a directory, written to ./done
  nobg process --input ./photos --output ./done

  # An image on the web
  nobg process --input https://example.com/cat.png`,
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

	cmd.Flags().StringVarP(&o.Input, "input", "i", "", "Image file, directory or http(s) URL (required)")
	cmd.Flags().StringVarP(&o.Output, "output", "o", "", "Output directory (default OUTPUT_DIR)")
	cmd.Flags().StringVarP(&o.Backend, "backend", "b", "", "Remover backend: rembg, comfyui or colorkey")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func (o *ProcessOptions) Complete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, o.root.ConfigFile, map[string]string{
		config.KeyOutputDir: "output",
		config.KeyBackend:   "backend",
	})
	if err != nil {
		return err
	}
	o.cfg = cfg

	if o.log == nil {
		if o.log, err = newLogger(cfg); err != nil {
			return err
		}
	}
	if o.client == nil {
		o.client = nhttp.NewHTTPClient()
	}
	if o.remover == nil {
		if o.remover, err = newRemover(cfg, o.log); err != nil {
			return err
		}
	}
	return nil
}

func (o *ProcessOptions) Validate() error {
	if o.Input == "" {
		return errors.New("input is required")
	}
	return nil
}

func (o *ProcessOptions) Run() error {
	defer func() { _ = o.log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outputDir := o.cfg.App.OutputDir
	if err := pipeline.EnsureLayout(outputDir); err != nil {
		return err
	}

	// Inputs are staged in a private directory so the invoker only ever
	// deletes copies, never the caller's files.
	intakeDir, err := os.MkdirTemp("", "nobg-intake-")
	if err != nil {
		return fmt.Errorf("failed to create intake directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(intakeDir) }()

	p := &processor{
		intake:  pipeline.NewIntake(intakeDir, false),
		invoker: newInvoker(o.cfg, o.remover, outputDir, o.log),
		client:  o.client,
		out:     o.root.Out,
	}

	switch {
	case isURL(o.Input):
		return p.url(ctx, o.Input, o.cfg.App.MaxFileSize)
	default:
		info, err := os.Stat(o.Input)
		if err != nil {
			return fmt.Errorf("invalid input path: %s", o.Input)
		}
		if info.IsDir() {
			return p.dir(ctx, o.Input)
		}
		p.file(ctx, pipeline.PathFile(o.Input), o.Input)
		return nil
	}
}

type processor struct {
	intake  *pipeline.Intake
	invoker *pipeline.Invoker
	client  nhttp.IClient
	out     io.Writer
}

// file processes one input and reports the outcome. label names the input in
// messages.
func (p *processor) file(ctx context.Context, file pipeline.UploadedFile, label string) bool {
	fmt.Fprintf(p.out, "Processing: %s\n", label)

	outPath, err := p.process(ctx, file)
	if err != nil {
		fmt.Fprintf(p.out, "Error processing %s: %v\n", label, err)
		return false
	}
	fmt.Fprintf(p.out, "Saved to: %s\n", outPath)
	return true
}

func (p *processor) process(ctx context.Context, file pipeline.UploadedFile) (string, error) {
	rc, err := file.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()

	intakePath, err := p.intake.Stage(rc, file.Filename)
	if err != nil {
		if intakePath != "" {
			_ = os.Remove(intakePath)
		}
		return "", err
	}
	return p.invoker.Process(ctx, intakePath)
}

func (p *processor) dir(ctx context.Context, dir string) error {
	fmt.Fprintf(p.out, "Processing directory: %s\n", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	gate := pipeline.NewGate(DirectoryExtensions)
	var total, ok int
	for _, e := range entries {
		if !e.Type().IsRegular() || !gate.IsAllowed(e.Name()) {
			continue
		}
		total++
		path := filepath.Join(dir, e.Name())
		if p.file(ctx, pipeline.PathFile(path), path) {
			ok++
		}
	}

	fmt.Fprintf(p.out, "Finished. Successfully processed %d/%d images.\n", ok, total)
	return nil
}

func (p *processor) url(ctx context.Context, rawURL string, maxBytes int64) error {
	data, err := util.DownloadImage(ctx, p.client, rawURL, maxBytes)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	p.file(ctx, pipeline.BytesFile(downloadName(rawURL), data), rawURL)
	return nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// downloadName picks a staging name for a URL input from its last path
// segment.
func downloadName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultDownloadName
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || pipeline.SecureFilename(name) == "" {
		return defaultDownloadName
	}
	return name
}
