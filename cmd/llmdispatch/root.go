package main

import (
	"github.com/spf13/cobra"

	"github.com/vinayprograms/llmdispatch/config"
	"github.com/vinayprograms/llmdispatch/credentials"
	"github.com/vinayprograms/llmdispatch/logging"
)

// DefaultConfigPath is read when --config is not given.
const DefaultConfigPath = "llmdispatch.toml"

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "llmdispatch",
		Short:         "Admission control and fallback routing for LLM providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", DefaultConfigPath, "path to the TOML config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(newServeCmd(opts), newValidateCmd(opts), newVersionCmd())
	return cmd
}

// load reads the config file and any credentials file it points at.
func (o *rootOptions) load() (*config.Config, *credentials.Credentials, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	var creds *credentials.Credentials
	if cfg.Credentials != "" {
		creds, err = credentials.LoadFile(cfg.Credentials)
	} else {
		creds, err = credentials.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	return cfg, creds, nil
}

func (o *rootOptions) logger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	if o.verbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Options{Level: level, Format: cfg.Logging.Format})
}
