package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hrygo/memosense/internal/profile"
	"github.com/hrygo/memosense/plugin/ai"
	"github.com/hrygo/memosense/plugin/ai/worker"
	"github.com/hrygo/memosense/server/service/semantic"
	"github.com/hrygo/memosense/store"
)

var (
	embedCmd = &cobra.Command{
		Use:   "embed [source-id...]",
		Short: "Regenerate embeddings for the given sources, or every source with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, p *profile.Profile, svc *semantic.Service) error {
				all, _ := cmd.Flags().GetBool("all")
				if all {
					ids, err := store.NewDirContentProvider(p.ContentDir).ListSources(ctx)
					if err != nil {
						return err
					}
					args = ids
				}
				if len(args) == 0 {
					return errors.New("no sources given, pass source ids or --all")
				}
				result, err := svc.EmbedSources(ctx, args, func(sourceID string, processed, total int) {
					fmt.Fprintf(os.Stderr, "\r%s: %d/%d", sourceID, processed, total)
					if processed == total {
						fmt.Fprintln(os.Stderr)
					}
				})
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}

	searchCmd = &cobra.Command{
		Use:   "search <query>",
		Short: "Rank sources by their best matching passage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			limit, _ := cmd.Flags().GetInt("limit")
			return withService(cmd.Context(), func(ctx context.Context, _ *profile.Profile, svc *semantic.Service) error {
				results, err := svc.SemanticSearch(ctx, args[0], threshold, limit)
				if err != nil {
					return err
				}
				return printJSON(results)
			})
		},
	}

	similarCmd = &cobra.Command{
		Use:   "similar <source-id>",
		Short: "List sources similar to a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			limit, _ := cmd.Flags().GetInt("limit")
			return withService(cmd.Context(), func(ctx context.Context, _ *profile.Profile, svc *semantic.Service) error {
				results, err := svc.FindSimilarToSource(ctx, args[0], threshold, limit)
				if err != nil {
					return err
				}
				return printJSON(results)
			})
		},
	}

	clusterCmd = &cobra.Command{
		Use:   "cluster",
		Short: "Group embedded sources into clusters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			maxK, _ := cmd.Flags().GetInt("max-k")
			return withService(cmd.Context(), func(ctx context.Context, _ *profile.Profile, svc *semantic.Service) error {
				clusters, err := svc.ClusterAll(ctx, maxK)
				if err != nil {
					return err
				}
				return printJSON(clusters)
			})
		},
	}

	// workerCmd is started by the server in process worker mode. It speaks the
	// model protocol as newline-delimited JSON on stdin and stdout.
	workerCmd = &cobra.Command{
		Use:    "worker",
		Short:  "Serve the embedding model over stdio",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := &profile.Profile{}
			p.FromEnv()
			aiConfig := ai.NewConfigFromProfile(p)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			host := worker.NewHost(worker.NewOpenAILoader(aiConfig.Embedding), worker.WithRateLimit(p.AIRateLimit, int(p.AIRateLimit)))
			err := host.ServeIO(ctx, os.Stdin, os.Stdout)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
)

func init() {
	embedCmd.Flags().Bool("all", false, "embed every source in the content directory")
	for _, cmd := range []*cobra.Command{searchCmd, similarCmd} {
		cmd.Flags().Float64("threshold", 0.5, "minimum cosine similarity")
		cmd.Flags().Int("limit", 10, "maximum number of results")
	}
	clusterCmd.Flags().Int("max-k", 10, "maximum number of clusters")
}

func withService(ctx context.Context, fn func(ctx context.Context, p *profile.Profile, svc *semantic.Service) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	instanceProfile, err := loadProfile()
	if err != nil {
		return err
	}
	svc, err := newService(ctx, instanceProfile)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, instanceProfile, svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
