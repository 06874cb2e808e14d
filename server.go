package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrybrwn/plc/internal/server"
)

func newServerCmd() *cobra.Command {
	var (
		configFile string
		port       uint16
		database   string
	)
	c := cobra.Command{
		Use:   "server",
		Short: "Run a plc log server",
		Args:  cobra.NoArgs,
		// the server configures its own logger and needs no client
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := server.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if port != 0 {
				conf.Port = port
			}
			if len(database) > 0 {
				conf.Database = database
			}
			conf.InitDefaults()
			if err = conf.Validate(); err != nil {
				return err
			}
			lvl, _ := conf.Level()
			logger := slog.New(slog.NewJSONHandler(cmd.OutOrStdout(), &slog.HandlerOptions{
				AddSource: false,
				Level:     lvl,
			}))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv, err := server.Open(ctx, conf, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			hs := http.Server{
				Addr:              fmt.Sprintf(":%d", conf.Port),
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := hs.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown failed", "error", err)
				}
			}()
			logger.Info("starting server",
				"port", conf.Port,
				"version", conf.Version,
				"dialect", srv.Store().Dialect(),
				"policy", conf.Policy)
			err = hs.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
	c.Flags().StringVarP(&configFile, "config", "c", "", "yaml config file")
	c.Flags().Uint16VarP(&port, "port", "p", 0, "server port ($PLC_PORT)")
	c.Flags().StringVar(&database, "database", "", "sqlite path or postgres url ($PLC_DATABASE)")
	return &c
}
