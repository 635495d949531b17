// Command wiretap runs a local MITM proxy that records Claude API traffic and
// streams it to observers over a websocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var flags struct {
	port         int
	observerPort int
	setupPort    int
	quiet        bool
	logLevel     string
}

var rootCmd = &cobra.Command{
	Use:   "wiretap",
	Short: "Intercept and inspect Claude API traffic",
	Long: `wiretap runs a local forward proxy that intercepts HTTPS traffic to the
Claude API, reconstructs streamed responses, and pushes every request
lifecycle event to websocket observers.

Examples:
  # Start with defaults (proxy 8080, observers 8081, setup 8082)
  wiretap

  # Configure the current shell to use the proxy
  eval "$(curl -s http://localhost:8082/setup)"`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().IntVarP(&flags.port, "port", "p", 0, "proxy port (overrides PORT)")
	rootCmd.Flags().IntVarP(&flags.observerPort, "ws-port", "w", 0, "observer websocket/API port (overrides OBSERVER_PORT)")
	rootCmd.Flags().IntVarP(&flags.setupPort, "setup-port", "s", 0, "setup script port (overrides SETUP_PORT)")
	rootCmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "suppress the banner and info logs")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(level string, quiet bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if quiet && lvl < zerolog.WarnLevel {
		lvl = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}
