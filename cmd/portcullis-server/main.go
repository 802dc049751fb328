package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/portcullis/portcullis/internal/clock"
	"github.com/portcullis/portcullis/internal/config"
	"github.com/portcullis/portcullis/internal/db"
	"github.com/portcullis/portcullis/internal/httpapi"
	"github.com/portcullis/portcullis/internal/logging"
	"github.com/portcullis/portcullis/internal/portcullis/door"
	"github.com/portcullis/portcullis/internal/portcullis/reader"
	"github.com/portcullis/portcullis/internal/portcullis/service"
	"github.com/portcullis/portcullis/internal/portcullis/store/sqlite"
	"github.com/portcullis/portcullis/internal/portcullis/token"
	"github.com/portcullis/portcullis/internal/portcullis/watchdog"
)

const healthService = "portcullis.Admission"

func main() {
	flags := pflag.NewFlagSet("portcullis-server", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "YAML config file (overrides PORTCULLIS_CONFIG)")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		JSON:       cfg.Env == "prod",
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		logrus.WithError(err).Fatal("logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.WithError(err).Error("portcullis-server stopped")
		_ = closeLog()
		os.Exit(1)
	}
	_ = closeLog()
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clk := clock.Real()

	// Database
	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return err
	}
	defer conn.Close()
	writer := db.NewWorker(conn)
	defer writer.Close()

	if err := seed(ctx, conn, cfg); err != nil {
		return err
	}

	members := sqlite.NewMemberStore(conn, writer)
	tickets := sqlite.NewTicketStore(conn, writer)
	events := sqlite.NewAccessEventStore(conn, writer)
	heartbeats := sqlite.NewHeartbeatStore(conn, writer)
	readers := sqlite.NewReaderStore(conn, writer)

	// Tokens
	alg, err := token.ParseAlgorithm(cfg.TokenAlgorithm)
	if err != nil {
		return err
	}
	codec, err := token.New(token.Config{
		Secret:     []byte(cfg.TokenSecret),
		NonceSize:  cfg.TokenNonceSize,
		DigestSize: cfg.TokenDigestSize,
		Algorithm:  alg,
	})
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}
	downloads, err := token.NewScoped(token.Config{Secret: cfg.DownloadKey(), Algorithm: alg})
	if err != nil {
		return fmt.Errorf("download codec: %w", err)
	}

	// Admission
	replay, closeReplay, err := replayGuard(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer closeReplay()

	metrics := service.NewMetrics(prometheus.DefaultRegisterer)
	admission := service.NewAdmissionService(service.AdmissionDependencies{
		Codec:        codec,
		Members:      members,
		DayTickets:   tickets,
		OtherTickets: tickets,
		Events:       events,
		Replay:       replay,
		Clock:        clk,
		Location:     loc,
		Offpeak:      service.DefaultOffpeakPolicy(),
		Metrics:      metrics,
		Logger:       logger.WithField("component", "admission"),
	})

	// Local door hardware is optional; a server may only serve networked
	// readers.
	hw, err := door.Open(cfg, clk, logger)
	switch {
	case errors.Is(err, door.ErrNoScanner):
		hw = nil
		logger.Info("no scanner configured, serving networked readers only")
	case err != nil:
		return err
	default:
		defer hw.Close()
	}

	hbService := service.NewHeartbeatService(service.HeartbeatDependencies{
		Store:    heartbeats,
		Registry: service.NewReaderRegistry(readers, clk),
		Metrics:  metrics,
		Logger:   logger.WithField("component", "heartbeat"),
	})
	sup := watchdog.New(clk, logger.WithField("component", "watchdog"))
	var readerTask *watchdog.Task

	// Everything except the reader loop runs until svcCtx ends, which only
	// happens once the reader has finished its last scan.
	svcCtx, cancelSvc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSvc()
	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:      logger.WithField("component", "http"),
		Addr:        cfg.HTTPAddr,
		Admission:   admission,
		Heartbeats:  hbService,
		Health:      sup,
		ReaderToken: cfg.ReaderToken,
		Downloads:   downloads,
		Cards:       codec,
		Members:     members,
		Location:    loc,
		Clock:       clk,
	})
	logger.WithField("addr", cfg.HTTPAddr).Info("http listening")
	sup.Go(svcCtx, "http", srv.Run)

	if cfg.GRPCAddr != "" {
		if err := serveHealth(svcCtx, sup, cfg.GRPCAddr, logger); err != nil {
			return err
		}
	}

	sup.Go(svcCtx, "heartbeat-pruner", service.NewHeartbeatPruner(heartbeats, service.PrunerConfig{
		RetentionDays: cfg.HeartbeatRetentionDays,
		IntervalHours: cfg.PruneIntervalHours,
	}, logger.WithField("component", "pruner")).Run)

	if cfg.RosterURL != "" {
		syncer := service.NewRosterSyncer(
			&service.HTTPRosterSource{URL: cfg.RosterURL, Token: cfg.RosterToken},
			members,
			service.RosterConfig{Interval: cfg.RosterInterval, Retry: cfg.RosterRetry, InitialDelay: cfg.RosterInitialDelay},
			clk, metrics, logger.WithField("component", "roster"),
		)
		sup.Go(svcCtx, "roster-sync", syncer.Run)
	}

	if hw != nil {
		if hw.Display != nil {
			sup.Go(svcCtx, "display", hw.Display.Run)
			hw.Boot()
		}
		readerID := cfg.ReaderID
		if readerID == "" {
			readerID = "local"
		}
		rdr := hw.Reader(admission, reader.Config{ReaderID: readerID, Pulse: door.PulseFor(cfg)})
		readerTask = sup.Go(readerCtx, "reader", rdr.Run)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-sup.Stopped():
	}

	cancelReader()
	if readerTask != nil {
		<-readerTask.Done()
	}
	cancelSvc()
	waitErr := sup.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if waitErr != nil {
		return waitErr
	}
	return errors.New("a supervised task stopped")
}

func seed(ctx context.Context, conn *sql.DB, cfg config.Config) error {
	if cfg.Env == "dev" {
		return db.SeedDev(ctx, conn, db.SeedDevOptions{
			Readers:        cfg.KnownReaders,
			MemberIDs:      []uint32{1, 2, 3},
			OtherTicketIDs: []uint32{1},
		})
	}
	return db.CommissionReaders(ctx, conn, cfg.KnownReaders)
}

// replayGuard builds the optional anti-passback guard: Redis when an
// address is configured, process memory otherwise.
func replayGuard(ctx context.Context, cfg config.Config, c clock.Clock) (service.ReplayGuard, func(), error) {
	if cfg.ReplayWindow <= 0 {
		return nil, func() {}, nil
	}
	if cfg.RedisAddr == "" {
		return service.NewMemoryReplayGuard(cfg.ReplayWindow, c), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return service.NewRedisReplayGuard(client, cfg.ReplayWindow), func() { _ = client.Close() }, nil
}

// serveHealth exposes the supervisor through the gRPC health protocol.
func serveHealth(ctx context.Context, sup *watchdog.Supervisor, addr string, logger logrus.FieldLogger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	sup.Go(ctx, "grpc-health", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			hs.Shutdown()
			gs.GracefulStop()
		}()
		return gs.Serve(lis)
	})
	sup.Go(ctx, "health-reporter", func(ctx context.Context) error {
		return sup.ReportHealth(ctx, hs, healthService, 5*time.Second)
	})

	logger.WithField("addr", addr).Info("grpc health listening")
	return nil
}
