package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"indices2one/internal/app"
	"indices2one/internal/config"
	"indices2one/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "indices2one",
	Short: "Merge many search indices into one via server-side reindex",
	Long: `A resumable migration tool that merges many source indices into a single
destination index through the cluster's asynchronous reindex API, with a
persisted checkpoint so an interrupted or crashed run can be resumed.`,
	SilenceUsage: true,
	RunE:         runMigration,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Cluster flags
	rootCmd.Flags().String("endpoint", "", "Cluster endpoint (required)")
	rootCmd.Flags().String("username", "", "Cluster username")
	rootCmd.Flags().String("password", "", "Cluster password")

	// Migration flags
	rootCmd.Flags().String("source-pattern", "", "Pattern matching the source indices (required)")
	rootCmd.Flags().String("dest", "", "Destination index name (required)")
	rootCmd.Flags().Bool("resume", false, "Resume a previously interrupted or crashed job")
	rootCmd.Flags().Bool("dry-run", false, "List matching indices without migrating")
	rootCmd.Flags().Bool("yes", false, "Skip interactive confirmation")
	rootCmd.Flags().Bool("source-read-only", false, "Mark each source index read-only before its reindex")
	rootCmd.Flags().Bool("dest-read-only", false, "Mark the destination read-only after the migration")
	rootCmd.Flags().String("checkpoint-index", ".migrate-checkpoints", "Index holding job checkpoints")
	rootCmd.Flags().String("checkpoint-db", "", "Local SQLite checkpoint file (overrides --checkpoint-index)")
	rootCmd.Flags().Int("poll-interval-ms", 5000, "Task poll interval in milliseconds")
	rootCmd.Flags().String("metrics-addr", "", "Prometheus metrics listen address (empty disables)")
	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
}

func runMigration(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	coordinator, err := app.New(cfg, log, confirmFunc(cfg.Migration.AutoConfirm))
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, recording interrupt...")
		cancel()
	}()

	err = coordinator.Run(ctx)

	if closeErr := coordinator.Close(); closeErr != nil {
		log.Error("Error closing coordinator", zap.Error(closeErr))
	}

	return err
}

// confirmFunc returns the operator decision function: either an automatic yes
// or an interactive console prompt
func confirmFunc(autoConfirm bool) app.ConfirmFunc {
	if autoConfirm {
		return func(string) bool { return true }
	}

	reader := bufio.NewReader(os.Stdin)
	return func(prompt string) bool {
		fmt.Printf("%s [y/N]: ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
