package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mahaj/market-realtime/pkg/api"
	"github.com/mahaj/market-realtime/pkg/auth"
	"github.com/mahaj/market-realtime/pkg/chat"
	"github.com/mahaj/market-realtime/pkg/config"
	"github.com/mahaj/market-realtime/pkg/model"
	"github.com/mahaj/market-realtime/pkg/notify"
	"github.com/sirupsen/logrus"
)

type loginResponse struct {
	Access string `json:"access"`
}

// login asks the stub backend for a token. The real backend has no such
// endpoint.
func login(apiBase string, user model.Sender) (string, error) {
	reqBody, _ := json.Marshal(map[string]any{
		"id":    user.ID,
		"email": user.Email,
		"name":  user.Name,
		"role":  user.Role,
	})
	resp, err := http.Post(strings.TrimRight(apiBase, "/")+"/login/", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Access, nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	appID := flag.Int64("app", 0, "application id to chat on")
	email := flag.String("email", "", "log in to the stub backend as this user")
	name := flag.String("name", "", "display name used with -email")
	role := flag.String("role", string(model.RoleClient), "role used with -email")
	flag.Parse()

	_ = godotenv.Load(".env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.NewLogger()
	// Keep the prompt readable.
	if logger.GetLevel() > logrus.WarnLevel {
		logger.SetLevel(logrus.WarnLevel)
	}

	if *appID == 0 && len(cfg.Applications) > 0 {
		*appID = cfg.Applications[0]
	}
	if *appID <= 0 {
		logger.Fatal("Pass -app or set MARKET_CHAT_APPLICATIONS")
	}

	tokens, closeTokens := cfg.TokenProvider()
	defer closeTokens()
	me := *email
	if *email != "" {
		tok, err := login(cfg.APIBaseURL, model.Sender{Email: *email, Name: *name, Role: model.Role(*role)})
		if err != nil {
			logger.Fatalf("Login failed: %v", err)
		}
		tokens = auth.StaticToken(tok)
	}

	client, err := api.NewClient(cfg.APIBaseURL, tokens, nil)
	if err != nil {
		logger.Fatalf("Invalid api url: %v", err)
	}

	tr := chat.NewTransport(*appID, chat.Options{
		SocketBase:     client.SocketBase(),
		API:            client,
		Tokens:         tokens,
		ReconnectDelay: cfg.ReconnectDelay,
		TypingTimeout:  cfg.TypingTimeout,
		DedupByID:      cfg.DedupByID,
		Logger:         logger,
		Hooks: chat.Hooks{
			OnMessage: func(m model.ChatMessage) {
				fmt.Printf("\r%s (%s): %s\n> ", m.Sender.Name, m.Sender.Role, m.Text)
			},
			OnTyping: func(users []string) {
				if len(users) > 0 {
					fmt.Printf("\r%s typing...\n> ", strings.Join(users, ", "))
				}
			},
			OnState: func(s chat.State) {
				fmt.Printf("\r[%s]\n> ", s)
			},
			OnError: func(err error) {
				fmt.Printf("\rerror: %v\n> ", err)
			},
		},
	})

	center := notify.NewCenter(client, notify.Options{
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := tr.LoadHistory(ctx); err == nil {
		printHistory(tr)
	}
	if err := tr.Connect(ctx); err != nil {
		logger.Fatalf("Connect failed: %v", err)
	}
	defer tr.Disconnect()

	center.Start(ctx)
	defer center.Stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, tr, center, me, strings.TrimSpace(text)); quit {
				return
			}
			fmt.Print("> ")
		}
	}
}

func handleLine(ctx context.Context, tr *chat.Transport, center *notify.Center, me, text string) bool {
	switch text {
	case "":
	case "/quit":
		return true
	case "/typing":
		tr.SendTyping(true)
	case "/history":
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := tr.LoadHistory(reqCtx); err != nil {
			fmt.Printf("history: %v\n", err)
			return false
		}
		printHistory(tr)
	case "/read":
		var ids []int64
		for _, m := range tr.Messages() {
			if !m.IsRead && m.Sender.Email != me {
				ids = append(ids, m.ID)
			}
		}
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := tr.MarkAsRead(reqCtx, ids); err != nil {
			fmt.Printf("read: %v\n", err)
			return false
		}
		fmt.Printf("marked %d messages read\n", len(ids))
	case "/notifications":
		for _, n := range center.Notifications() {
			mark := " "
			if !n.IsRead {
				mark = "*"
			}
			fmt.Printf("%s %s  %-24s %s\n", mark, n.CreatedAt.Local().Format("02.01 15:04"), n.Type, n.Title)
		}
		fmt.Printf("%d unread\n", center.UnreadCount())
	case "/readall":
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := center.MarkAllAsRead(reqCtx); err != nil {
			fmt.Printf("read all: %v\n", err)
		}
	default:
		if strings.HasPrefix(text, "/") {
			fmt.Println("commands: /typing /history /read /notifications /readall /quit")
			return false
		}
		if err := tr.SendMessage(text); err != nil {
			fmt.Printf("send: %v\n", err)
		}
	}
	return false
}

func printHistory(tr *chat.Transport) {
	for _, m := range tr.Messages() {
		fmt.Printf("%s %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.Sender.Name, m.Text)
	}
}
