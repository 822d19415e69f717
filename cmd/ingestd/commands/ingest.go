package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transitops/ingestd/errors"
)

// IngestCmd runs a single named ingestion task once, for operator use
// outside the scheduler's cadence.
var IngestCmd = &cobra.Command{
	Use:       "ingest [task]",
	Short:     "Run a single ingestion task once",
	ValidArgs: []string{"refresh_agencies", "refresh_routes", "refresh_predictions", "refresh_vehicle_locations", "evict_stale"},
	Args:      cobra.ExactValidArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()

		switch args[0] {
		case "refresh_agencies":
			n, err := a.tasks.RefreshAgencies(ctx, true)
			if err != nil {
				return err
			}
			fmt.Printf("refreshed %d agencies\n", n)

		case "refresh_routes":
			n, err := a.tasks.RefreshRoutes(ctx, a.cfg.Agencies, true)
			if err != nil {
				return err
			}
			fmt.Printf("refreshed %d routes\n", n)

		case "refresh_predictions":
			routeSet, err := a.tasks.RouteSetForAgencies(ctx, a.cfg.Agencies)
			if err != nil {
				return err
			}
			n, err := a.tasks.RefreshPredictions(ctx, routeSet, false)
			if err != nil {
				return err
			}
			fmt.Printf("refreshed %d predictions\n", n)

		case "refresh_vehicle_locations":
			routeSet, err := a.tasks.RouteSetForAgencies(ctx, a.cfg.Agencies)
			if err != nil {
				return err
			}
			n, err := a.tasks.RefreshVehicleLocations(ctx, routeSet, false)
			if err != nil {
				return err
			}
			fmt.Printf("refreshed %d vehicle locations\n", n)

		case "evict_stale":
			predictions, locations, err := a.tasks.EvictStale(ctx, a.cfg.PredictionsMaxAge, a.cfg.LocationsMaxAge)
			if err != nil {
				return err
			}
			fmt.Printf("evicted %d predictions, %d vehicle locations\n", predictions, locations)

		default:
			return errors.Newf("unknown task %q", args[0])
		}
		return nil
	},
}
