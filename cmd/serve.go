package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/metrics"
	"github.com/sells-group/invoice-cli/internal/server"
	"github.com/sells-group/invoice-cli/internal/storage"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and job runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		files, err := storage.NewLocal(cfg.Storage.UploadDir)
		if err != nil {
			return err
		}

		m := metrics.New()
		runner, err := initRunner(ctx, st, m)
		if err != nil {
			return err
		}

		srv := server.New(st, runner, files, server.Options{CORSOrigins: cfg.Server.CORSOrigins})
		err = srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Server.Port))

		// Jobs already running finish before the store closes.
		zap.L().Info("waiting for running jobs")
		runner.Wait()
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
