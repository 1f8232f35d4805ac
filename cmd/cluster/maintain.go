package cluster

import (
	"encoding/json"
	"fmt"
	"os"

	"briefly/internal/config"
	"briefly/internal/maintenance"

	"github.com/spf13/cobra"
)

func newMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass",
		Long: `Recomputes every active event's centroid from its current members,
archives events past their retention window, and reconciles the
vector index against the repository, printing the resulting stats as
JSON. Safe to run more than once; a pass with no new articles since
the last run is a no-op beyond floating-point jitter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(cmd.Context())
			if err != nil {
				return fmt.Errorf("wire dependencies: %w", err)
			}

			svc := maintenance.New(d.repo, d.index, maintenanceConfig(config.Get()))
			stats, err := svc.Run(cmd.Context())
			if err != nil {
				return err
			}

			return json.NewEncoder(os.Stdout).Encode(stats)
		},
	}
}
