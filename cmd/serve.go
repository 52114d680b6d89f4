package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/agroscope-cli/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session API for the browser map client",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		srv := server.New(ctx, sess.Server(), cfg.Server.AllowedOrigins)
		if err := srv.Run(ctx, fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			return eris.Wrap(err, "serve")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
