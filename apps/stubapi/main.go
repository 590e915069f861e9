package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mahaj/market-realtime/pkg/auth"
	"github.com/mahaj/market-realtime/pkg/config"
	"github.com/mahaj/market-realtime/pkg/model"
	"github.com/mahaj/market-realtime/pkg/stubapi"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	seed := flag.Bool("seed", true, "create a few sample notifications for -seed-user")
	seedUser := flag.String("seed-user", "client@example.kz", "owner of the seeded notifications")
	flag.Parse()

	_ = godotenv.Load(".env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.NewLogger()

	issuer := auth.NewIssuer(cfg.StubSecret, cfg.StubTTL)
	srv := stubapi.New(issuer, logger)

	if *seed {
		seedNotifications(srv, *seedUser)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx, cfg.StubAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Stub backend failed: %v", err)
	}
	logger.Info("Stub backend stopped")
}

func seedNotifications(srv *stubapi.Server, owner string) {
	srv.AddNotification(owner, model.NotificationRecord{
		Type:    model.NotifyStatusChange,
		Title:   "Application status changed",
		Message: "Your application moved to review",
		Data:    map[string]any{"application_id": 1, "old_status": "submitted", "new_status": "under_review"},
	})
	srv.AddNotification(owner, model.NotificationRecord{
		Type:    model.NotifyDocumentRequested,
		Title:   "Document requested",
		Message: "Please upload the latest balance sheet",
		Data:    map[string]any{"application_id": 1, "document_type": "balance_sheet"},
	})
	srv.AddNotification(owner, model.NotificationRecord{
		Type:    model.NotifyDecisionApproved,
		Title:   "Guarantee approved",
		Message: "The bank approved your guarantee",
		Data:    map[string]any{"application_id": 1, "company_name": "Tau LLP", "amount": "15000000"},
	})
}
