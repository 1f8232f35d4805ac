package cluster

import (
	"fmt"

	"briefly/internal/config"
	"briefly/internal/eventstore"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending event store schema migrations",
		Long: `Brings the events/articles/event_article_links schema up to date by
applying every embedded migration not yet recorded in
schema_migrations. Safe to run more than once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := eventstore.NewStore(config.Get().Database.ConnectionString)
			if err != nil {
				return fmt.Errorf("connect to event store: %w", err)
			}
			defer store.Close()
			return store.Migrate(cmd.Context())
		},
	}
}
