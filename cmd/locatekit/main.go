// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

//go:build linux

// Package main implements the locatekit command line tool and service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vorlif/spreak"

	"github.com/wneessen/locatekit/internal/config"
	"github.com/wneessen/locatekit/internal/i18n"
	"github.com/wneessen/locatekit/internal/logger"
	"github.com/wneessen/locatekit/internal/service"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var confPath string

var rootCmd = &cobra.Command{
	Use:   "locatekit",
	Short: "Position acquisition and offline address resolution",
	Long: `locatekit acquires the current position from the enabled location providers and resolves
coordinates to addresses through an online geocoder, falling back to the bundled gazetteer.`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&confPath, "config", "c", "", "path to the config file")
	rootCmd.AddCommand(locateCmd, resolveCmd, nearbyCmd, serveCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGABRT, os.Interrupt)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles what every subcommand needs.
type app struct {
	conf      *config.Config
	log       *logger.Logger
	localizer *spreak.Localizer
	serv      *service.Service
}

// setup reads the config, the explicit --config file first, then the default location, and
// creates the service. The caller closes the service.
func setup() (*app, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log := logger.New(conf.LogLevel)
	t, err := i18n.New(conf.Locale)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize localizer: %w", err)
	}

	serv, err := service.New(conf, log, t)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize locatekit service: %w", err)
	}
	return &app{conf: conf, log: log, localizer: t, serv: serv}, nil
}

func loadConfig() (*config.Config, error) {
	if confPath != "" {
		conf, err := config.NewFromFile(filepath.Dir(confPath), filepath.Base(confPath))
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		return conf, nil
	}
	if path, file := findConfigFile(); path != "" && file != "" {
		conf, err := config.NewFromFile(path, file)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		return conf, nil
	}

	conf, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return conf, nil
}

func findConfigFile() (string, string) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", ""
	}
	exts := []string{"toml", "yaml", "yml", "json"}
	for _, ext := range exts {
		path := filepath.Join(homedir, ".config", "locatekit", "config."+ext)
		if _, err = os.Stat(path); err == nil {
			return filepath.Dir(path), filepath.Base(path)
		}
	}
	return "", ""
}
