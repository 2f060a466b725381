package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"actuator-bridge/internal/bridgeapi"
	"actuator-bridge/internal/config"
	"actuator-bridge/internal/core/hrt"
	"actuator-bridge/internal/core/network"
	"actuator-bridge/internal/diag"
	"actuator-bridge/internal/fieldbus"
	"actuator-bridge/internal/localbus"
	"actuator-bridge/internal/outputs"
	"actuator-bridge/internal/servo"
	"actuator-bridge/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	logger, closeLog := newLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("bridge stopped", "error", err)
		closeLog()
		os.Exit(1)
	}
	logger.Info("bridge stopped")
}

func newLogger(c config.LogConfig) (*slog.Logger, func()) {
	level, _ := c.SlogLevel()
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if c.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { _ = rotator.Close() }
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeFn
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := hrt.New()

	ps, err := network.Open(ctx, network.Options{
		Transport: cfg.Transport.Kind,
		Libp2p: network.Libp2pOptions{
			ListenAddrs:     cfg.Transport.Libp2p.ListenAddrs,
			Bootstrap:       cfg.Transport.Libp2p.Bootstrap,
			Rendezvous:      cfg.Transport.Libp2p.Rendezvous,
			EnableMDNS:      cfg.Transport.Libp2p.MDNS,
			IdentityKeyFile: cfg.Transport.Libp2p.IdentityKeyFile,
			Logger:          logger,
		},
		MQTT: network.MQTTOptions{
			Broker:         cfg.Transport.MQTT.Broker,
			ClientID:       cfg.Transport.MQTT.ClientID,
			QoS:            cfg.Transport.MQTT.QoS,
			TopicPrefix:    cfg.Transport.MQTT.TopicPrefix,
			ConnectTimeout: cfg.Transport.MQTT.ConnectTimeout(),
			Logger:         logger,
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = ps.Close() }()

	nodeOpts := []fieldbus.Option{
		fieldbus.WithTopic(cfg.Transport.Topic),
		fieldbus.WithClock(clk),
		fieldbus.WithLogger(logger),
	}
	if cfg.NodeID != "" {
		nodeOpts = append(nodeOpts, fieldbus.WithNodeID(cfg.NodeID))
	}
	node := fieldbus.NewNode(ps, nodeOpts...)
	local := localbus.New(clk, localbus.WithSlots(cfg.Bus.Slots))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	counters := diag.NewCounters("actuator_bridge")
	if err := counters.Register(reg); err != nil {
		return err
	}

	bridge := servo.New(node, local, counters,
		servo.WithRateHz(cfg.Bridge.RateHz),
		servo.WithRange(cfg.Bridge.MinValue, cfg.Bridge.MaxValue),
		servo.WithLogger(logger),
	)
	if err := bridge.Init(); err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Close()

	loop := outputs.New(local, bridge,
		outputs.WithInstance(cfg.Loop.OutputsInstance),
		outputs.WithRateHz(cfg.Loop.RateHz),
		outputs.WithClock(clk),
		outputs.WithLogger(logger),
	)
	fwd := telemetry.New(local, node,
		telemetry.WithInstance(cfg.Loop.OutputsInstance),
		telemetry.WithStatusRateHz(cfg.Telemetry.StatusHz),
		telemetry.WithTickHz(cfg.Telemetry.TickHz),
		telemetry.WithClock(clk),
		telemetry.WithLogger(logger),
	)

	logger.Info("bridge starting",
		"node_id", node.ID(),
		"transport", cfg.Transport.Kind,
		"topic", cfg.Transport.Topic,
		"rate_hz", cfg.Bridge.RateHz,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return fwd.Run(gctx) })

	if cfg.HTTP.Addr != "" {
		api := bridgeapi.NewServer(bridgeapi.Deps{
			Bridge:          bridge,
			Node:            node,
			Bus:             local,
			Loop:            loop,
			Telemetry:       fwd,
			Gatherer:        reg,
			Clock:           clk,
			Logger:          logger,
			OutputsInstance: cfg.Loop.OutputsInstance,
		})
		mux := http.NewServeMux()
		api.Register(mux)
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			// Cancelled on shutdown so open event streams return.
			BaseContext: func(net.Listener) context.Context { return gctx },
		}

		g.Go(func() error {
			logger.Info("http api listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down", "fieldbus", node.Stats(), "bridge", bridge.Status())
	return err
}
