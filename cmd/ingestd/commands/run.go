package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/transitops/ingestd/logger"
	"github.com/transitops/ingestd/scheduler"
)

// RunCmd starts the scheduler with the default cadence (spec §4.7) and
// blocks until interrupted.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		s := scheduler.New(logger.Logger,
			scheduler.Entry{
				Name:     "refresh_agencies",
				Interval: a.cfg.RefreshAgenciesInterval,
				Task: func(ctx context.Context) error {
					_, err := a.tasks.RefreshAgencies(ctx, true)
					return err
				},
			},
			scheduler.Entry{
				Name:     "refresh_routes",
				Interval: a.cfg.RefreshRoutesInterval,
				Task: func(ctx context.Context) error {
					_, err := a.tasks.RefreshRoutes(ctx, a.cfg.Agencies, true)
					return err
				},
			},
			scheduler.Entry{
				Name:     "refresh_predictions",
				Interval: a.cfg.RefreshPredictionsInterval,
				Task: func(ctx context.Context) error {
					routeSet, err := a.tasks.RouteSetForAgencies(ctx, a.cfg.Agencies)
					if err != nil {
						return err
					}
					_, err = a.tasks.RefreshPredictions(ctx, routeSet, false)
					return err
				},
			},
			scheduler.Entry{
				Name:     "refresh_vehicle_locations",
				Interval: a.cfg.RefreshVehicleLocationsInterval,
				Task: func(ctx context.Context) error {
					routeSet, err := a.tasks.RouteSetForAgencies(ctx, a.cfg.Agencies)
					if err != nil {
						return err
					}
					_, err = a.tasks.RefreshVehicleLocations(ctx, routeSet, false)
					return err
				},
			},
			scheduler.Entry{
				Name:     "evict_stale",
				Interval: a.cfg.EvictInterval,
				Task: func(ctx context.Context) error {
					_, _, err := a.tasks.EvictStale(ctx, a.cfg.PredictionsMaxAge, a.cfg.LocationsMaxAge)
					return err
				},
			},
		)

		s.Start()
		logger.Logger.Infow("ingestd running", "agencies", a.cfg.Agencies)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Logger.Info("shutdown signal received")
		s.Stop()
		return nil
	},
}
