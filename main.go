package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"ctpflow/config"
	"ctpflow/gateway"
	"ctpflow/internal/channel"
	"ctpflow/journal"
	"ctpflow/logger"
	"ctpflow/plugin"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	instruments := flag.String("instruments", "", "Comma-separated instruments to watch on startup")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Ctpflow.Name,
		"version":     cfg.Ctpflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting ctpflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "", cfg.Logging.DashboardName)
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	channels := channel.NewChannels(
		cfg.Channels.MdBuffer,
		cfg.Channels.TdBuffer,
		cfg.Channels.JournalBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	var journalWriter *journal.Writer
	if cfg.Journal.Enabled {
		journalWriter, err = journal.New(cfg, channels.Journal)
		if err != nil {
			log.WithError(err).Error("failed to create journal writer")
			os.Exit(1)
		}
		if err := journalWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start journal writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("journal disabled; records will be dropped")
	}

	gw := gateway.New(cfg, channels)
	if err := gw.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start gateway")
		if journalWriter != nil {
			journalWriter.Stop()
		}
		os.Exit(1)
	}

	logger.SetGaugeProvider(gw.ReportGauges)

	if err := gw.RegisterPlugin(plugin.NewRiskFilterPlugin()); err != nil {
		log.WithError(err).Warn("failed to register risk filter plugin")
	}
	if err := gw.RegisterPlugin(plugin.NewLoggingPlugin()); err != nil {
		log.WithError(err).Warn("failed to register logging plugin")
	}

	for _, id := range splitInstruments(*instruments) {
		if _, err := gw.RunStrategy("watch:"+id, watchQuotes(id)); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"instrument": id,
			}).Warn("failed to start watch strategy")
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	if err := gw.Stop(cfg.Timeouts.Stop); err != nil {
		log.WithError(err).Warn("gateway did not stop cleanly")
	}
	if journalWriter != nil {
		log.Info("stopping journal writer")
		journalWriter.Stop()
	}
	cancel()

	log.Info("shutdown completed")
}

func splitInstruments(list string) []string {
	var out []string
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// watchQuotes is the default strategy wired by the -instruments flag: it
// follows every tick of one instrument and logs it, which is enough to
// verify a deployment end to end.
func watchQuotes(instrumentID string) gateway.StrategyFunc {
	log := logger.GetLogger().WithComponent("strategy.watch")
	return func(g *gateway.Gateway) error {
		for {
			q, err := g.WaitQuoteUpdate(instrumentID, 0)
			if errors.Is(err, gateway.ErrUnavailable) {
				return nil
			}
			if err != nil {
				continue
			}
			log.WithFields(logger.Fields{
				"instrument": q.InstrumentID,
				"last":       q.LastPrice,
				"bid":        q.BidPrice1,
				"ask":        q.AskPrice1,
				"time":       q.UpdateTime,
			}).Info("tick")
		}
	}
}
