package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/AzielCF/az-publisher/core/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run delegation workers without the HTTP API",
	Long:  `Runs the scheduler, recovery loop, monitors and delegation workers. Requires Valkey when sharing a queue with a rest node.`,
	Run:   workerServer,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func workerServer(_ *cobra.Command, _ []string) {
	cfg := config.Global
	if !cfg.Database.ValkeyEnabled {
		logrus.Warn("[WORKER] Valkey disabled, this worker only sees its own in-memory queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		logrus.Fatalf("[APP] %v", err)
	}

	group := eng.start(ctx, true)
	<-ctx.Done()
	logrus.Info("[WORKER] Reception of termination signal, draining in-flight jobs...")
	_ = group.Wait()
	eng.close()
}
