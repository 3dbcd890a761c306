// Command vectorkv-server runs the Service against a data directory,
// accepting length-prefixed query/add/reindex requests over TCP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vectorkv/vectorkv/internal/service"
	"github.com/vectorkv/vectorkv/pkg/chunk"
	"github.com/vectorkv/vectorkv/pkg/config"
	"github.com/vectorkv/vectorkv/pkg/engine"
	"github.com/vectorkv/vectorkv/pkg/logging"
)

var (
	dataDir    string
	listenAddr string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "vectorkv-server",
	Short: "Serve a vectorkv data directory over TCP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if listenAddr != "" {
			cfg.Listen = listenAddr
		}

		log := logging.NewStd(logging.ParseLevel(cfg.Log.Level))

		eng, err := engine.Open(cfg, unconfiguredEmbedder{}, chunk.DefaultSplitter(), log)
		if err != nil {
			return fmt.Errorf("opening engine: %w", err)
		}

		srv := service.New(cfg.Listen, eng, cfg.Service.MaxConnections, log)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return srv.ListenAndServe(ctx)
	},
}

// unconfiguredEmbedder is a placeholder Embedder wired only so the server binary
// links: a real deployment supplies an HTTP-backed Embedder pointed at
// config.Embedder.Endpoint. Swapping it in is the operator's job, not this
// core's.
type unconfiguredEmbedder struct{}

func (unconfiguredEmbedder) Embed(ctx context.Context, src engine.EmbedSource) ([]float32, error) {
	return nil, fmt.Errorf("no embedder configured: wire one to %s", "config.Embedder.Endpoint")
}

func main() {
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "TCP listen address (overrides config)")
	rootCmd.Flags().StringVar(&configPath, "config", "config.hujson", "path to HuJSON config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
