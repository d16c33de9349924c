package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/MGSousa/pm2-alerter/internal/collector"
	"github.com/MGSousa/pm2-alerter/internal/config"
	"github.com/MGSousa/pm2-alerter/internal/correlation"
	"github.com/MGSousa/pm2-alerter/internal/logging"
	"github.com/MGSousa/pm2-alerter/internal/pipeline"
	"github.com/MGSousa/pm2-alerter/internal/server"
	"github.com/MGSousa/pm2-alerter/internal/storage"
	"github.com/MGSousa/pm2-alerter/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "pm2-alerter: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pm2-alerter: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("fatal", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.SugaredLogger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	diagnostics := pipeline.NewDiagnostics(registry)
	health := server.NewHealthServer()

	sinks := []transport.Sink{{
		Name: "zabbix",
		Sender: transport.NewZabbixSender(transport.ZabbixConfig{
			Server:   cfg.Zabbix.Server,
			Port:     cfg.Zabbix.Port,
			Compress: cfg.Zabbix.Compress,
			Timeout:  cfg.Zabbix.SendTimeout,
		}, logger),
	}}

	if cfg.NATS.URL != "" {
		publisher, err := transport.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		sinks = append(sinks, transport.Sink{Name: "nats", Sender: publisher})
	}

	var history server.AlertQuerier
	if cfg.ClickHouseConfig.Addr != "" {
		db, err := storage.NewClickHouse(ctx, storage.Config{
			Addr:     cfg.ClickHouseConfig.Addr,
			Database: cfg.ClickHouseConfig.DB,
			User:     cfg.ClickHouseConfig.User,
			Password: cfg.ClickHouseConfig.Password,
		})
		if err != nil {
			return fmt.Errorf("clickhouse connection: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("clickhouse migration: %w", err)
		}
		sinks = append(sinks, transport.Sink{Name: "clickhouse", Sender: transport.NewRecorder(db)})
		history = db
	}
	sender := transport.NewFanout(sinks...)

	source, err := collector.New(ctx, collector.Config{
		SocketPath:           cfg.Source.SocketPath,
		BufferSize:           cfg.Source.BufferSize,
		ReconnectMin:         cfg.Source.ReconnectMin,
		ReconnectMax:         cfg.Source.ReconnectMax,
		MaxConsecutiveErrors: cfg.Source.MaxConsecutiveErrors,
		ReadTimeout:          cfg.Source.ReadTimeout,
		OnStateChange:        health.SetSourceConnected,
		OnReconnect:          diagnostics.IncReconnects,
	}, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	correlator := correlation.NewCorrelator(cfg.PendingTTL)
	processor := pipeline.NewProcessor(
		ctx,
		correlator,
		sender,
		cfg.Zabbix.Host,
		cfg.Zabbix.Key,
		diagnostics,
		logger,
	)

	if cfg.HTTPAddr != "" {
		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           server.NewHttpServer(correlator, diagnostics, history, registry).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Infow("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("HTTP server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer := grpc.NewServer()
		health.Register(grpcServer)
		go func() {
			logger.Infow("gRPC health server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Errorw("gRPC server error", "error", err)
			}
		}()
		defer grpcServer.GracefulStop()
	}

	go processor.RunMaintenance(ctx, 0)
	go pipeline.StartDiagnosticsReporter(ctx, diagnostics, cfg.DiagnosticsInterval, logger)

	logger.Infow("listening events on socket",
		"socket", cfg.Source.SocketPath,
		"zabbix", fmt.Sprintf("%s:%d", cfg.Zabbix.Server, cfg.Zabbix.Port),
		"host", cfg.Zabbix.Host,
		"key", cfg.Zabbix.Key,
		"sinks", sender.Names(),
	)

	if err := source.Run(ctx, processor.HandleChunk); err != nil {
		return err
	}
	logger.Infow("pm2-alerter shutting down")
	return nil
}
