package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/portcullis/portcullis/internal/clock"
	"github.com/portcullis/portcullis/internal/config"
	"github.com/portcullis/portcullis/internal/logging"
	"github.com/portcullis/portcullis/internal/portcullis/door"
	"github.com/portcullis/portcullis/internal/portcullis/reader"
	"github.com/portcullis/portcullis/internal/portcullis/watchdog"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	flags := pflag.NewFlagSet("portcullis-reader", pflag.ExitOnError)
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
		logger.WithError(err).Error("portcullis-reader stopped")
		_ = closeLog()
		os.Exit(1)
	}
	_ = closeLog()
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	if cfg.ReaderID == "" {
		return errors.New("PORTCULLIS_READER_ID is required")
	}
	log := logger.WithField("reader_id", cfg.ReaderID)

	clk := clock.Real()
	hw, err := door.Open(cfg, clk, log)
	if err != nil {
		return err
	}
	defer hw.Close()

	remote := reader.NewRemoteDecider(cfg.ServerURL, cfg.ReaderToken, cfg.DecideTimeout)
	sup := watchdog.New(clk, log.WithField("component", "watchdog"))

	svcCtx, cancelSvc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSvc()
	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	if hw.Display != nil {
		sup.Go(svcCtx, "display", hw.Display.Run)
		hw.Boot()
	}

	hb := &reader.HeartbeatSender{
		Remote:   remote,
		ReaderID: cfg.ReaderID,
		Version:  version,
		Interval: cfg.HeartbeatInterval,
		Healthy:  sup.Healthy,
		Logger:   log.WithField("component", "heartbeat"),
	}
	sup.Go(svcCtx, "heartbeat", hb.Run)

	rdr := hw.Reader(remote, reader.Config{ReaderID: cfg.ReaderID, Pulse: door.PulseFor(cfg)})
	log.WithField("server", cfg.ServerURL).Info("reader connected to admission server")
	readerTask := sup.Go(readerCtx, "reader", rdr.Run)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-sup.Stopped():
	}

	// A scan in flight finishes before the reader returns.
	cancelReader()
	<-readerTask.Done()
	cancelSvc()
	waitErr := sup.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if waitErr != nil {
		return waitErr
	}
	return fmt.Errorf("%s: a supervised task stopped", cfg.ReaderID)
}
