package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"briefly/internal/assignment"
	"briefly/internal/config"
	"briefly/internal/core"
	"briefly/internal/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newAssignCmd() *cobra.Command {
	var articlePath string

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign one article to an existing event or seed a new one",
		Long: `Reads a single article as JSON (from --file, or stdin if --file is
omitted) and runs it through the assignment coordinator, printing the
resulting outcome as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			article, err := readArticle(articlePath)
			if err != nil {
				return err
			}

			d, err := buildDeps(cmd.Context())
			if err != nil {
				return fmt.Errorf("wire dependencies: %w", err)
			}

			cfg := config.Get()
			coordinator := assignment.New(d.repo, d.index, d.arb, nil, assignmentConfig(cfg))
			defer coordinator.Close()

			ctx := assignment.WithCorrelationID(cmd.Context(), uuid.NewString())
			result, err := coordinator.Assign(ctx, article)
			if err != nil {
				logger.Error("assignment failed", err, "article_id", article.ID)
				return err
			}

			return json.NewEncoder(os.Stdout).Encode(result)
		},
	}

	cmd.Flags().StringVar(&articlePath, "file", "", "path to a JSON-encoded article (default: read from stdin)")
	return cmd
}

func readArticle(path string) (core.Article, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return core.Article{}, fmt.Errorf("open article file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var article core.Article
	if err := json.NewDecoder(r).Decode(&article); err != nil {
		return core.Article{}, fmt.Errorf("decode article: %w", err)
	}
	return article, nil
}
