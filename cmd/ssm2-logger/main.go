package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/ssm2-logger/internal/ecu"
	"github.com/shaunagostinho/ssm2-logger/internal/server"
	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated ECU")
	listenAddr := flag.String("listen", "", "Override ops listen address (e.g. :8080)")
	flag.Parse()

	boot := logrus.New()
	cfg := server.LoadConfig(*configPath, boot)

	if *demo {
		cfg.ECU.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log := setupLogger(cfg.Logging)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	log.WithFields(logrus.Fields{
		"ecu":  cfg.ECU.Type,
		"port": cfg.ECU.PortPath,
	}).Info("ssm2-logger starting")

	// Create context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(cfg, transportOpener(cfg, log), server.WithLogger(log))
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited")
		os.Exit(1)
	}
	log.Info("shut down")
}

// transportOpener picks the serial port or the simulated ECU.
func transportOpener(cfg *server.Config, log logrus.FieldLogger) server.TransportOpener {
	if cfg.ECU.Type == "demo" {
		return func() (ssm2.Transport, error) {
			return ecu.NewSimulatedECU(), nil
		}
	}
	serialCfg := ssm2.SerialConfig{
		PortPath: cfg.ECU.PortPath,
		BaudRate: cfg.ECU.BaudRate,
	}
	return func() (ssm2.Transport, error) {
		t, err := ssm2.OpenSerial(serialCfg, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

func setupLogger(cfg server.LoggingConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}
	return log
}
