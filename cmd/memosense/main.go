package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/memosense/internal/profile"
	"github.com/hrygo/memosense/plugin/markdown"
	"github.com/hrygo/memosense/server"
	"github.com/hrygo/memosense/server/service/semantic"
	"github.com/hrygo/memosense/store"
	"github.com/hrygo/memosense/store/db"
)

const version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "memosense",
		Short: `Semantic similarity for your notes: embeddings, search, related notes and clusters.`,
		Run: func(cmd *cobra.Command, _ []string) {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			instanceProfile, err := loadProfile()
			if err != nil {
				slog.Error("invalid profile", "error", err)
				return
			}
			svc, err := newService(ctx, instanceProfile)
			if err != nil {
				slog.Error("failed to create semantic service", "error", err)
				return
			}

			s, err := server.NewServer(ctx, instanceProfile, svc)
			if err != nil {
				slog.Error("failed to create server", "error", err)
				_ = svc.Close()
				return
			}

			c := make(chan os.Signal, 1)
			// Trigger graceful shutdown on SIGINT or SIGTERM.
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)

			if err := s.Start(ctx); err != nil {
				slog.Error("failed to start server", "error", err)
				s.Shutdown(ctx)
				return
			}

			printGreetings(instanceProfile, svc)

			go func() {
				<-c
				s.Shutdown(ctx)
				cancel()
			}()

			<-ctx.Done()
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 8081)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 8081, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver: sqlite, postgres or memory")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")
	rootCmd.PersistentFlags().String("content", "", "directory of the notes and files to embed")
	rootCmd.PersistentFlags().String("model", "", "embedding model, overrides MEMOSENSE_AI_EMBEDDING_MODEL")

	for _, name := range []string{"mode", "addr", "port", "data", "driver", "dsn", "content", "model"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("memosense")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(embedCmd, searchCmd, similarCmd, clusterCmd, workerCmd)
}

// loadProfile merges flags, MEMOSENSE_* variables and defaults into a validated profile.
func loadProfile() (*profile.Profile, error) {
	instanceProfile := &profile.Profile{
		Mode:       viper.GetString("mode"),
		Addr:       viper.GetString("addr"),
		Port:       viper.GetInt("port"),
		Data:       viper.GetString("data"),
		Driver:     viper.GetString("driver"),
		DSN:        viper.GetString("dsn"),
		ContentDir: viper.GetString("content"),
		Version:    version,
	}
	instanceProfile.FromEnv()
	if model := viper.GetString("model"); model != "" {
		instanceProfile.AIEmbeddingModel = model
	}
	if err := instanceProfile.Validate(); err != nil {
		return nil, err
	}
	if instanceProfile.ContentDir == "" {
		instanceProfile.ContentDir = filepath.Join(instanceProfile.Data, "content")
	}
	return instanceProfile, nil
}

// newService opens the store, applies the schema and initializes the model.
// A model that fails to load leaves the service on fallback embeddings.
func newService(ctx context.Context, instanceProfile *profile.Profile) (*semantic.Service, error) {
	dbDriver, err := db.NewDBDriver(instanceProfile)
	if err != nil {
		return nil, err
	}
	storeInstance := store.New(dbDriver, instanceProfile)
	if err := storeInstance.Migrate(ctx); err != nil {
		_ = storeInstance.Close()
		return nil, err
	}

	content := markdown.NewContentProvider(store.NewDirContentProvider(instanceProfile.ContentDir))
	svc := semantic.NewService(instanceProfile, storeInstance, content)
	if _, err := svc.Initialize(ctx, "", nil); err != nil {
		slog.Warn("continuing with fallback embeddings", "error", err)
	}
	return svc, nil
}

func printGreetings(p *profile.Profile, svc *semantic.Service) {
	fmt.Printf("memosense %s started successfully!\n", p.Version)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Content directory: %s\n", p.ContentDir)
	fmt.Printf("Database driver: %s\n", p.Driver)
	fmt.Printf("Embedding model: %s (fallback: %t)\n", svc.Status().Model, svc.IsUsingFallback())
	if len(p.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
	}
}

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
