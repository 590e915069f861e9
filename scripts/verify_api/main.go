package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mahaj/market-realtime/pkg/api"
	"github.com/mahaj/market-realtime/pkg/auth"
	"github.com/mahaj/market-realtime/pkg/model"
)

type LoginResponse struct {
	Access string `json:"access"`
}

// Smoke-checks a running stub backend: login, chat history and the
// notification feed.
func main() {
	apiAddr := flag.String("api", "http://localhost:8000", "api base url")
	appID := flag.Int64("app", 1, "application id")
	email := flag.String("email", "client@example.kz", "user to log in as")
	flag.Parse()

	// 1. Login
	reqBody, _ := json.Marshal(map[string]any{"email": *email, "name": "Smoke Test", "role": model.RoleClient})
	resp, err := http.Post(strings.TrimRight(*apiAddr, "/")+"/login/", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		log.Fatal(err)
	}
	if len(loginResp.Access) < 10 {
		log.Fatalf("Login returned no token (status %d)", resp.StatusCode)
	}
	fmt.Printf("Token: %s...\n", loginResp.Access[:10])

	client, err := api.NewClient(*apiAddr, auth.StaticToken(loginResp.Access), nil)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 2. Chat history
	log.Printf("Fetching chat history for application %d...", *appID)
	items, err := client.ChatHistory(ctx, *appID)
	if err != nil {
		log.Fatal("History request failed:", err)
	}
	log.Printf("History: %d messages", len(items))

	// 3. Notifications
	page, err := client.Notifications(ctx)
	if err != nil {
		log.Fatal("Notifications request failed:", err)
	}
	for _, rec := range page.Results {
		n := rec.Notification()
		log.Printf("Notification %s [%s] %s read=%v", n.ID, n.Type, n.Title, n.IsRead)
	}
	log.Printf("Notifications: %d total", page.Count)
	log.Printf("WebSocket root: %s", client.SocketBase())
}
