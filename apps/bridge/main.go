package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mahaj/market-realtime/pkg/config"
	"github.com/mahaj/market-realtime/pkg/relay"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	_ = godotenv.Load(".env")

	if err := run(*configPath); err != nil {
		logrus.Fatalf("Bridge stopped: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.NewLogger()

	if len(cfg.Applications) == 0 {
		logger.Warn("No chat applications configured, relaying notifications only")
	}

	tokens, closeTokens := cfg.TokenProvider()
	defer closeTokens()

	pub := relay.New(cfg.KafkaBrokers, cfg.KafkaChatTopic, cfg.KafkaNotificationTopic, logger)
	defer pub.Close()

	bridge, err := NewBridge(cfg, tokens, pub, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil {
		return err
	}
	logger.Info("Bridge exited")
	return nil
}
