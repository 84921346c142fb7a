package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	revoagent "github.com/reVo-AI/reVoAgent/sdk/golang"
)

// getClient creates a reVoAgent client from the stored configuration.
// REVO_BASE_URL overrides the config file.
func getClient(verbose bool) *revoagent.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []revoagent.ClientOption
	if env := os.Getenv("REVO_BASE_URL"); env != "" {
		opts = append(opts, revoagent.WithBaseURL(env))
	} else if cfg.Default.BaseURL != "" {
		opts = append(opts, revoagent.WithBaseURL(cfg.Default.BaseURL))
	}
	if verbose {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		opts = append(opts, revoagent.WithLogger(logger))
	}

	return revoagent.NewClient(opts...)
}
