package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github/itish2003/retrieval/config"
	"github/itish2003/retrieval/controller"
	"github/itish2003/retrieval/models"
)

func newRootCmd() *cobra.Command {
	var cfgFile string
	var cfg *config.Config

	root := &cobra.Command{
		Use:          "retrieval",
		Short:        "retrieval - chunk, embed and search a local document corpus",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml)")

	getConfig := func() *config.Config { return cfg }
	root.AddCommand(
		newServeCmd(getConfig),
		newIngestCmd(getConfig),
		newQueryCmd(getConfig),
		newEntriesCmd(getConfig),
		newWatchCmd(getConfig),
	)
	return root
}

// withApp builds the app for one command run and closes it afterwards.
func withApp(ctx context.Context, cfg *config.Config, fn func(a *app) error) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newServeCmd(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Build or load the index, watch the corpus and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := getConfig()
			return withApp(ctx, cfg, func(a *app) error {
				if err := a.sync(ctx); err != nil {
					return err
				}
				go func() {
					if err := a.indexer.WatchDirectory(ctx); err != nil {
						log.Printf("WATCHER ERROR: %v", err)
					}
				}()

				srv := &http.Server{
					Addr:              ":" + cfg.Port,
					Handler:           newRouter(a),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						log.Printf("Warning: server shutdown: %v", err)
					}
				}()

				log.Printf("Go Gin backend server starting on http://localhost:%s", cfg.Port)
				log.Printf("Health check available at: http://localhost:%s/health", cfg.Port)
				log.Printf("API endpoints:")
				log.Printf("  POST   http://localhost:%s/api/v1/documents", cfg.Port)
				log.Printf("  DELETE http://localhost:%s/api/v1/documents/:name", cfg.Port)
				log.Printf("  POST   http://localhost:%s/api/v1/reindex", cfg.Port)
				log.Printf("  POST   http://localhost:%s/api/v1/query", cfg.Port)
				log.Printf("  GET    http://localhost:%s/api/v1/entries", cfg.Port)

				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("failed to start server: %w", err)
				}
				return nil
			})
		},
	}
}

func newRouter(a *app) *gin.Engine {
	router := gin.Default()

	// CORS for browser clients.
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		count, err := a.rag.CountEntries(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "index unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "retrieval API",
			"backend": a.cfg.IndexBackend,
			"entries": count,
		})
	})

	controller.NewRAGController(a.rag).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func newIngestCmd(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [dir]",
		Short: "Rebuild the index from every supported file in the corpus directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *getConfig()
			if len(args) == 1 {
				cfg.CorpusDir = args[0]
			}
			return withApp(cmd.Context(), &cfg, func(a *app) error {
				chunks, err := a.rag.Reindex(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d chunks from %s\n", chunks, a.files.Dir)
				return nil
			})
		},
	}
}

func newQueryCmd(getConfig func() *config.Config) *cobra.Command {
	var k int
	var threshold float64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve the passages most relevant to a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), getConfig(), func(a *app) error {
				loaded, err := a.loadIndex(cmd.Context())
				if err != nil {
					return err
				}
				if !loaded {
					return fmt.Errorf("no index at the configured location, run ingest first: %w", models.ErrNotFound)
				}

				req := models.QueryTextRequest{Query: strings.Join(args, " "), K: k}
				if cmd.Flags().Changed("threshold") {
					req.Threshold = &threshold
				}
				resp, err := a.rag.Query(cmd.Context(), req)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(resp)
				}
				if len(resp.Passages) == 0 {
					fmt.Fprintln(out, "No passage cleared the threshold.")
					return nil
				}
				for i, p := range resp.Passages {
					fmt.Fprintf(out, "Document %d (%s, score %.3f):\n%s\n\n", i+1, p.Source, p.Score, p.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 0, "number of passages to retrieve (default TOP_K)")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "minimum normalized score (default SCORE_THRESHOLD)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the response as JSON")
	return cmd
}

func newEntriesCmd(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List the entries stored in the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), getConfig(), func(a *app) error {
				if _, err := a.loadIndex(cmd.Context()); err != nil {
					return err
				}
				resp, err := a.rag.ListEntries(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			})
		},
	}
}

func newWatchCmd(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the index in sync with the corpus directory without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, getConfig(), func(a *app) error {
				if err := a.sync(ctx); err != nil {
					return err
				}
				return a.indexer.WatchDirectory(ctx)
			})
		},
	}
}
