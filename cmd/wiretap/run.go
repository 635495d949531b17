package main

import (
	"fmt"
	"os"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/namikmesic/cc-wiretap/internal/broadcast"
	"github.com/namikmesic/cc-wiretap/internal/config"
	"github.com/namikmesic/cc-wiretap/internal/interceptor"
	"github.com/namikmesic/cc-wiretap/internal/jetstream"
	"github.com/namikmesic/cc-wiretap/internal/metrics"
	"github.com/namikmesic/cc-wiretap/internal/proxy"
	"github.com/namikmesic/cc-wiretap/internal/server"
)

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyFlags(cfg)
	setupLogging(cfg.LogLevel, flags.quiet)

	ca, err := proxy.LoadOrCreateCA(cfg.CADir)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}
	if ca.Generated {
		log.Info().Str("path", ca.CertPath).Msg("generated new CA certificate")
	}

	natsServer, err := jetstream.NewServer(cfg.NATSStoreDir)
	if err != nil {
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	defer natsServer.Shutdown()

	nc, err := natsServer.Connect()
	if err != nil {
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	defer nc.Close()

	js, err := nc.JetStream(nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("notification publish failed")
	}))
	if err != nil {
		return fmt.Errorf("get JetStream context: %w", err)
	}
	if err := jetstream.EnsureStream(js, jetstream.StreamOptions{
		MaxAge:  cfg.HistoryMaxAge,
		MaxMsgs: cfg.HistoryMaxMsgs,
	}); err != nil {
		return err
	}

	m := metrics.New(prometheus.NewRegistry())

	hub := broadcast.NewHub(broadcast.Options{
		JS:             js,
		Metrics:        m,
		BufferSize:     cfg.BroadcastBufferSize,
		BatchSize:      cfg.BroadcastBatchSize,
		FlushInterval:  cfg.FlushInterval(),
		ObserverBuffer: cfg.ObserverBuffer,
	})
	defer hub.Shutdown()

	gate := interceptor.NewGate(cfg.APIHosts, cfg.APIPath)
	tracker := interceptor.NewTracker(interceptor.Options{
		Gate:          gate,
		Broadcaster:   hub,
		Metrics:       m,
		RedactHeaders: cfg.RedactHeaders,
		ArchiveLimit:  cfg.ArchiveLimit,
	})
	hub.OnClear(tracker.ClearArchive)

	ctx := cmd.Context()
	sweeper := interceptor.NewSweeper(tracker, cfg.SweepSchedule, cfg.StaleAfter)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	proxyServer := proxy.NewServer(proxy.ServerOptions{
		CA:      ca,
		Gate:    gate,
		Binding: proxy.NewBinding(gate, tracker, m),
		Metrics: m,
		Verbose: cfg.LogLevel == "debug",
	})
	observerRouter := server.NewRouter(server.Options{
		Requests:  tracker,
		Observers: hub,
		Metrics:   m.Handler(),
		ProxyPort: cfg.Port,
	})
	setupRouter := server.NewSetupRouter(server.SetupOptions{
		ProxyPort: cfg.Port,
		CAPath:    ca.CertPath,
		CACert:    ca.CertPEM,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxyServer.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.Port))
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.ObserverPort), observerRouter)
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.SetupPort), setupRouter)
	})

	log.Info().
		Int("proxy_port", cfg.Port).
		Int("observer_port", cfg.ObserverPort).
		Int("setup_port", cfg.SetupPort).
		Strs("hosts", gate.Hosts()).
		Msg("wiretap started")
	if !flags.quiet {
		printInstructions(cfg, ca)
	}

	err = g.Wait()
	log.Info().Int("active", tracker.ActiveCount()).Msg("shutting down")
	return err
}

func applyFlags(cfg *config.Config) {
	if flags.port != 0 {
		cfg.Port = flags.port
	}
	if flags.observerPort != 0 {
		cfg.ObserverPort = flags.observerPort
	}
	if flags.setupPort != 0 {
		cfg.SetupPort = flags.setupPort
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
}

func printInstructions(cfg *config.Config, ca *proxy.CA) {
	w := os.Stdout
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready to intercept Claude API traffic.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configure a terminal:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  =>", server.SetupCommand(cfg.SetupPort))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Or manually:")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  NODE_EXTRA_CA_CERTS=%q \\\n", ca.CertPath)
	fmt.Fprintf(w, "  HTTPS_PROXY=%s \\\n", server.ProxyURL(cfg.Port))
	fmt.Fprintln(w, "  claude")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Observers: ws://localhost:%d/ws  (history: http://localhost:%d/api/requests)\n", cfg.ObserverPort, cfg.ObserverPort)
	fmt.Fprintln(w)
}

var (
	_ interceptor.Broadcaster = (*broadcast.Hub)(nil)
	_ proxy.Lifecycle         = (*interceptor.Tracker)(nil)
	_ server.Requests         = (*interceptor.Tracker)(nil)
	_ server.Observers        = (*broadcast.Hub)(nil)
)
