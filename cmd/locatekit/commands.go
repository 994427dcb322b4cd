// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/i18n"
	"github.com/wneessen/locatekit/internal/job"
	"github.com/wneessen/locatekit/internal/logger"
	"github.com/wneessen/locatekit/internal/presenter"
)

var (
	watchInterval time.Duration
	nearbyRadius  float64
)

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Acquire the current position and resolve its address",
	Long: `Run one location acquisition and print the position together with the resolved address.
With --watch the acquisition is repeated at the given interval until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runLocate,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <latitude> <longitude>",
	Short: "Resolve a coordinate to an address",
	Args:  cobra.ExactArgs(2),
	RunE:  runResolve,
}

var nearbyCmd = &cobra.Command{
	Use:   "nearby <latitude> <longitude>",
	Short: "List gazetteer places around a coordinate",
	Args:  cobra.ExactArgs(2),
	RunE:  runNearby,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the location service in the foreground",
	Long: `Refresh the location at the configured interval and write every result as a JSON report to
stdout. SIGUSR1 forces a refresh, SIGUSR2 logs the current place.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	locateCmd.Flags().DurationVarP(&watchInterval, "watch", "w", 0, "repeat the acquisition at this interval")
	nearbyCmd.Flags().Float64VarP(&nearbyRadius, "radius", "r", 5, "search radius in km")
}

func runLocate(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer closeApp(a)

	pres, err := presenter.New(a.localizer, i18n.Tag(a.conf.Locale))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	locate := func(ctx context.Context) error {
		result, err := a.serv.Locate(ctx)
		if err != nil {
			return fmt.Errorf("failed to locate: %w", err)
		}
		place := a.serv.Resolve(ctx, result.Sample.Lat, result.Sample.Lon)
		return pres.Location(out, result, place)
	}

	if watchInterval <= 0 {
		return locate(cmd.Context())
	}
	watch := job.New(watchInterval, func(ctx context.Context) {
		if err := locate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("location acquisition failed", logger.Err(err))
		}
		_, _ = fmt.Fprintln(out)
	}, job.WithImmediateStart(), job.WithSkipHandler(func() {
		a.log.Debug("previous acquisition still running, skipping")
	}))
	watch.Start(cmd.Context())
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	lat, lon, err := parseCoordinate(args)
	if err != nil {
		return err
	}
	a, err := setup()
	if err != nil {
		return err
	}
	defer closeApp(a)

	pres, err := presenter.New(a.localizer, i18n.Tag(a.conf.Locale))
	if err != nil {
		return err
	}
	return pres.Place(cmd.OutOrStdout(), lat, lon, a.serv.Resolve(cmd.Context(), lat, lon))
}

func runNearby(cmd *cobra.Command, args []string) error {
	lat, lon, err := parseCoordinate(args)
	if err != nil {
		return err
	}
	if nearbyRadius <= 0 {
		return fmt.Errorf("invalid radius: %f", nearbyRadius)
	}
	a, err := setup()
	if err != nil {
		return err
	}
	defer closeApp(a)

	pres, err := presenter.New(a.localizer, i18n.Tag(a.conf.Locale))
	if err != nil {
		return err
	}
	places := a.serv.Nearby(cmd.Context(), lat, lon, nearbyRadius)
	return pres.Nearby(cmd.OutOrStdout(), lat, lon, places)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer closeApp(a)

	a.log.Info(a.localizer.Get("starting locatekit service"), slog.String("version", version),
		slog.String("commit", commit), slog.String("date", date))
	if err = a.serv.Run(cmd.Context()); err != nil {
		return fmt.Errorf("locatekit service failed: %w", err)
	}
	a.log.Info(a.localizer.Get("shutting down locatekit service"))
	return nil
}

func parseCoordinate(args []string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q: %w", args[0], err)
	}
	lon, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q: %w", args[1], err)
	}
	if !geobus.ValidLatLon(lat, lon) {
		return 0, 0, fmt.Errorf("coordinate %f/%f is out of range", lat, lon)
	}
	return lat, lon, nil
}

func closeApp(a *app) {
	if err := a.serv.Close(); err != nil {
		a.log.Error("failed to close locatekit service", logger.Err(err))
	}
}
