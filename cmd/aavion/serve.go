package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aaviondb/aaviondb/internal/config"
	"github.com/aaviondb/aaviondb/internal/gateway"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST gateway",
	Long: `Run the REST gateway on the configured listen address.

Requests are admitted only while the API is enabled ("api serve") and at
least one non-bootstrap token exists ("auth grant").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := runtimeUp()
		if err != nil {
			return err
		}
		defer rt.Close()

		listen := flagListen
		if listen == "" {
			listen = config.Listen()
		}
		srv := gateway.New(gateway.Options{
			Dispatcher: rt.Dispatcher,
			Auth:       rt.Auth,
			Security:   rt.Security,
			Logger:     rt.Logger,
			Listen:     listen,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		fmt.Printf("listening on %s\n", listen)
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "bind address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
