package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/market-realtime/pkg/auth"
	"github.com/mahaj/market-realtime/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeServer is a scriptable chat endpoint. Each accepted socket is
// handed to onConnect when set; otherwise client frames are collected.
type fakeServer struct {
	srv *httptest.Server

	onConnect func(conn *websocket.Conn)

	mu       sync.Mutex
	attempts []time.Time
	paths    []string
	tokens   []string
	conns    []*websocket.Conn
	writeMu  sync.Mutex

	frames chan model.ClientFrame
	closes chan int
}

func newFakeServer(t *testing.T, onConnect func(conn *websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		onConnect: onConnect,
		frames:    make(chan model.ClientFrame, 64),
		closes:    make(chan int, 16),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fs.attempts = append(fs.attempts, time.Now())
	fs.paths = append(fs.paths, r.URL.Path)
	fs.tokens = append(fs.tokens, r.URL.Query().Get("token"))
	fs.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	if fs.onConnect != nil {
		fs.onConnect(conn)
		return
	}

	for {
		var f model.ClientFrame
		if err := conn.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				fs.closes <- ce.Code
			} else {
				fs.closes <- websocket.CloseAbnormalClosure
			}
			return
		}
		fs.frames <- f
	}
}

func (fs *fakeServer) socketBase() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) attemptTimes() []time.Time {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]time.Time(nil), fs.attempts...)
}

func (fs *fakeServer) attemptCount() int {
	return len(fs.attemptTimes())
}

// push writes a raw frame to the most recent socket.
func (fs *fakeServer) push(t *testing.T, frame string) {
	t.Helper()
	fs.mu.Lock()
	require.NotEmpty(t, fs.conns, "no socket to push to")
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()

	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (fs *fakeServer) nextFrame(t *testing.T, within time.Duration) model.ClientFrame {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(within):
		t.Fatalf("no client frame within %s", within)
	}
	return model.ClientFrame{}
}

type fakeHistory struct {
	mu       sync.Mutex
	items    []model.HistoryItem
	err      error
	markErr  error
	marked   [][]int64
	block    chan struct{}
	historyN int
}

func (f *fakeHistory) ChatHistory(ctx context.Context, applicationID int64) ([]model.HistoryItem, error) {
	f.mu.Lock()
	block := f.block
	f.historyN++
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items, f.err
}

func (f *fakeHistory) MarkChatRead(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, ids)
	return f.markErr
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestTransport(fs *fakeServer, mutate func(*Options)) *Transport {
	opts := Options{
		Tokens:         auth.StaticToken("secret-token"),
		ReconnectDelay: 100 * time.Millisecond,
		TypingTimeout:  100 * time.Millisecond,
		Logger:         quietLogger(),
	}
	if fs != nil {
		opts.SocketBase = fs.socketBase()
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewTransport(7, opts)
}

func waitState(t *testing.T, tr *Transport, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s (is %s)", want, tr.State())
}
