package main

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/jech/swarmcore/config"
)

const version = "0.1.0"

var (
	configFile string
	debug      bool
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "swarmcore",
		Short:         "Seed a file to a BitTorrent swarm",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "",
		"TOML configuration `file`")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"log protocol events")
	return cmd
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return log.With(logger, "ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller)
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(configFile)
}
