package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/chaos-io/nobg/config"
	"github.com/chaos-io/nobg/logger"
)

var (
	// Injected at build time using ldflags.
	version = "1.0.0"
	commit  = ""
)

// IOStreams are the standard streams a command writes to.
type IOStreams struct {
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer
}

// RootOptions holds the flags shared by every subcommand.
type RootOptions struct {
	ConfigFile string

	IOStreams
}

// NewRootCommand creates the `nobg` command wired to the process streams.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithArgs(&RootOptions{
		IOStreams: IOStreams{In: os.Stdin, Out: os.Stdout, ErrOut: os.Stderr},
	})
}

// NewRootCommandWithArgs creates the `nobg` command and its children.
func NewRootCommandWithArgs(o *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nobg [command]",
		Version:       versionInfo(),
		Short:         "Background removal service and CLI",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetIn(o.In)
	cmd.SetOut(o.Out)
	cmd.SetErr(o.ErrOut)

	cmd.PersistentFlags().StringVarP(&o.ConfigFile, "config", "c", "", "Config file (any format viper reads)")

	cmd.AddCommand(NewServeCommand(NewServeOptions(o)))
	cmd.AddCommand(NewProcessCommand(NewProcessOptions(o)))

	return cmd
}

func versionInfo() string {
	if commit == "" {
		return version
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}

// loadConfig reads the config for cmd, letting the flags named in bindings
// override their config keys.
func loadConfig(cmd *cobra.Command, configFile string, bindings map[string]string) (*config.Config, error) {
	v, err := config.New(configFile)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd, bindings); err != nil {
		return nil, err
	}
	return config.Load(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, bindings map[string]string) error {
	for key, name := range bindings {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}
