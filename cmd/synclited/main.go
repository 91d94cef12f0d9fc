package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codetrek/synclite/internal/config"
	"github.com/codetrek/synclite/internal/services"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "synclited",
	Short: "Embedded document-sync engine with a CouchDB-compatible REST API",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()

		noEvents, _ := cmd.Flags().GetBool("no-events")
		mgr := services.NewManager(cfg, services.Options{
			RunAPI:    true,
			RunEvents: !noEvents,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := mgr.Init(ctx); err != nil {
			return err
		}
		if err := mgr.Run(ctx); err != nil {
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		mgr.Shutdown(shutdownCtx)
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("no-events", false, "disable the NATS change-events bridge")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
