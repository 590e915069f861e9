package chat_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/market-realtime/pkg/api"
	"github.com/mahaj/market-realtime/pkg/auth"
	"github.com/mahaj/market-realtime/pkg/chat"
	"github.com/mahaj/market-realtime/pkg/model"
	"github.com/mahaj/market-realtime/pkg/stubapi"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const applicationID = 42

type backend struct {
	stub   *stubapi.Server
	http   *httptest.Server
	issuer *auth.Issuer
	logger *logrus.Logger
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	issuer := auth.NewIssuer("e2e-secret", time.Hour)
	stub := stubapi.New(issuer, logger)
	hs := httptest.NewServer(stub)
	t.Cleanup(func() {
		stub.Close()
		hs.Close()
	})
	return &backend{stub: stub, http: hs, issuer: issuer, logger: logger}
}

func (b *backend) transport(t *testing.T, user model.Sender, hooks chat.Hooks) *chat.Transport {
	t.Helper()
	tok, err := b.issuer.GenerateToken(user)
	require.NoError(t, err)

	client, err := api.NewClient(b.http.URL, auth.StaticToken(tok), b.http.Client())
	require.NoError(t, err)

	tr := chat.NewTransport(applicationID, chat.Options{
		SocketBase:     client.SocketBase(),
		API:            client,
		Tokens:         auth.StaticToken(tok),
		ReconnectDelay: 50 * time.Millisecond,
		TypingTimeout:  100 * time.Millisecond,
		Logger:         b.logger,
		Hooks:          hooks,
	})
	t.Cleanup(tr.Disconnect)
	return tr
}

func waitConnected(t *testing.T, tr *chat.Transport) {
	t.Helper()
	require.Eventually(t, tr.IsConnected, 2*time.Second, 5*time.Millisecond)
}

func (b *backend) waitSockets(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.stub.Connections(applicationID) == n },
		2*time.Second, 5*time.Millisecond)
}

func TestStubBackend_Conversation(t *testing.T) {
	b := newBackend(t)
	client := model.Sender{ID: 1, Email: "client@corp.kz", Name: "Client", Role: model.RoleClient}
	agent := model.Sender{ID: 2, Email: "agent@bank.kz", Name: "Agent", Role: model.RoleAgent}

	_, err := b.stub.Post(applicationID, agent, "Please upload the balance sheet")
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		typing [][]string
	)
	alice := b.transport(t, client, chat.Hooks{
		OnTyping: func(users []string) {
			mu.Lock()
			typing = append(typing, users)
			mu.Unlock()
		},
	})
	bob := b.transport(t, agent, chat.Hooks{})

	require.NoError(t, alice.LoadHistory(context.Background()))
	require.Len(t, alice.Messages(), 1)
	assert.Equal(t, "agent@bank.kz", alice.Messages()[0].Sender.Email)

	require.NoError(t, alice.Connect(context.Background()))
	require.NoError(t, bob.Connect(context.Background()))
	waitConnected(t, alice)
	waitConnected(t, bob)
	b.waitSockets(t, 2)

	bob.SendTyping(true)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"agent@bank.kz"}, alice.TypingUsers())
	}, 2*time.Second, 5*time.Millisecond)

	// The automatic reset clears the indicator on the other side.
	require.Eventually(t, func() bool { return len(alice.TypingUsers()) == 0 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, alice.SendMessage("Uploaded, see attachment"))
	for _, tr := range []*chat.Transport{alice, bob} {
		require.Eventually(t, func() bool {
			msgs := tr.Messages()
			return len(msgs) > 0 && msgs[len(msgs)-1].Text == "Uploaded, see attachment"
		}, 2*time.Second, 5*time.Millisecond)
	}
	assert.Len(t, alice.Messages(), 2)

	first := alice.Messages()[0].ID
	require.NoError(t, alice.MarkAsRead(context.Background(), []int64{first}))
	assert.True(t, alice.Messages()[0].IsRead)

	// A fresh history load sees the server-side read flag.
	require.NoError(t, bob.LoadHistory(context.Background()))
	assert.True(t, bob.Messages()[0].IsRead)

	mu.Lock()
	assert.NotEmpty(t, typing)
	mu.Unlock()
}

func TestStubBackend_ReconnectsAfterDrop(t *testing.T) {
	b := newBackend(t)
	user := model.Sender{ID: 1, Email: "client@corp.kz", Name: "Client", Role: model.RoleClient}

	tr := b.transport(t, user, chat.Hooks{})
	require.NoError(t, tr.Connect(context.Background()))
	waitConnected(t, tr)
	b.waitSockets(t, 1)

	b.stub.DropConnections(applicationID, 0)
	require.Eventually(t, func() bool { return tr.State() == chat.StateReconnecting },
		2*time.Second, time.Millisecond)
	waitConnected(t, tr)
	b.waitSockets(t, 1)

	_, err := b.stub.Post(applicationID, user, "after reconnect")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(tr.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStubBackend_ServerNormalCloseStaysIdle(t *testing.T) {
	b := newBackend(t)
	user := model.Sender{ID: 1, Email: "client@corp.kz", Name: "Client", Role: model.RoleClient}

	tr := b.transport(t, user, chat.Hooks{})
	require.NoError(t, tr.Connect(context.Background()))
	waitConnected(t, tr)
	b.waitSockets(t, 1)

	b.stub.DropConnections(applicationID, websocket.CloseNormalClosure)
	require.Eventually(t, func() bool { return tr.State() == chat.StateIdle }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, chat.StateIdle, tr.State())
	b.waitSockets(t, 0)
}
