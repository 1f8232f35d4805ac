package cluster

import (
	"context"
	"time"

	"briefly/internal/config"
	"briefly/internal/logger"
	"briefly/internal/maintenance"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/singleflight"
)

func newServeCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the maintenance scheduler",
		Long: `Ticks the maintenance pass on a fixed interval. A singleflight guard
enforces max_instances=1: if a tick fires while the previous pass is
still running, it joins the in-flight call instead of starting a
second one. A circuit breaker trips after repeated failures so a
persistently broken dependency (a down database, say) doesn't retry
on every tick; it resets on the next successful pass after its
cooldown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(cmd.Context())
			if err != nil {
				return err
			}
			svc := maintenance.New(d.repo, d.index, maintenanceConfig(config.Get()))
			return runScheduler(cmd.Context(), svc, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "how often to run the maintenance pass")
	return cmd
}

// runScheduler ticks svc.Run on interval until ctx is done.
func runScheduler(ctx context.Context, svc *maintenance.Service, interval time.Duration) error {
	var group singleflight.Group
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "maintenance",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("maintenance circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	tick := func() {
		_, _, _ = group.Do("maintenance", func() (any, error) {
			stats, err := breaker.Execute(func() (any, error) {
				return svc.Run(ctx)
			})
			if err != nil {
				logger.Error("maintenance pass failed", err)
				return nil, err
			}
			logger.Info("maintenance pass complete", "stats", stats)
			return stats, nil
		})
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}
