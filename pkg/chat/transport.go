package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/market-realtime/pkg/auth"
	"github.com/mahaj/market-realtime/pkg/model"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultTypingTimeout  = 3 * time.Second

	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the server.
	maxMessageSize = 64 * 1024
)

// HistoryAPI is the REST side of a chat.
type HistoryAPI interface {
	ChatHistory(ctx context.Context, applicationID int64) ([]model.HistoryItem, error)
	MarkChatRead(ctx context.Context, messageIDs []int64) error
}

// Hooks are optional callbacks fired after the transport state changed.
// They run on transport goroutines and must not block.
type Hooks struct {
	OnMessage func(model.ChatMessage)
	OnTyping  func(users []string)
	OnState   func(State)
	OnError   func(error)
}

type Options struct {
	// SocketBase is the ws:// or wss:// origin of the chat server.
	SocketBase string
	API        HistoryAPI
	Tokens     auth.TokenProvider
	Dialer     *websocket.Dialer

	ReconnectDelay time.Duration
	TypingTimeout  time.Duration

	// DedupByID drops inbound messages whose id is already present. Ids
	// are only tracked when it is set.
	DedupByID bool

	Logger *logrus.Logger
	Hooks  Hooks
}

// Transport is the live chat channel of one application. It reconnects
// on any abnormal closure after a flat delay, forever, until Disconnect.
type Transport struct {
	appID  int64
	opts   Options
	dialer *websocket.Dialer
	log    *logrus.Entry

	mu       sync.Mutex
	state    State
	messages []model.ChatMessage
	seen     map[int64]struct{}
	typing   map[string]struct{}
	err      error
	sess     *session
	// gen changes on every Disconnect; REST results started under an
	// older generation are discarded.
	gen uint64
}

// session owns everything tied to one activation: the socket, the
// reconnect timer and the typing timer. Tearing it down releases all of
// them at once.
type session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex

	// guarded by Transport.mu
	conn      *websocket.Conn
	reconnect *time.Timer
	typing    *time.Timer
}

func newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{ctx: ctx, cancel: cancel}
}

// detach stops both timers and hands back the socket. Caller holds
// Transport.mu.
func (s *session) detach() *websocket.Conn {
	s.cancel()
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	if s.typing != nil {
		s.typing.Stop()
		s.typing = nil
	}
	conn := s.conn
	s.conn = nil
	return conn
}

func (s *session) write(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// shutdown sends a close frame with code and closes the socket.
func (s *session) shutdown(conn *websocket.Conn, code int) {
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
	s.writeMu.Unlock()
	_ = conn.Close()
}

func NewTransport(applicationID int64, opts Options) *Transport {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}

	return &Transport{
		appID:  applicationID,
		opts:   opts,
		dialer: dialer,
		log: logger.WithFields(logrus.Fields{
			"component":      "chat",
			"application_id": applicationID,
		}),
		seen:   make(map[int64]struct{}),
		typing: make(map[string]struct{}),
	}
}

func (t *Transport) ApplicationID() int64 { return t.appID }

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) IsConnected() bool { return t.State() == StateConnected }

// Messages returns a copy of the local message sequence in arrival order.
func (t *Transport) Messages() []model.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

// TypingUsers returns the e-mails currently typing, sorted.
func (t *Transport) TypingUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingLocked()
}

func (t *Transport) typingLocked() []string {
	users := make([]string, 0, len(t.typing))
	for email := range t.typing {
		users = append(users, email)
	}
	slices.Sort(users)
	return users
}

// Err returns the last error surfaced to the user, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// SocketURL builds the chat endpoint for this application.
func (t *Transport) SocketURL(token string) string {
	base := strings.TrimRight(t.opts.SocketBase, "/")
	q := url.Values{}
	q.Set("token", token)
	return base + "/ws/chat/application/" + strconv.FormatInt(t.appID, 10) + "/?" + q.Encode()
}

// LoadHistory replaces the local sequence with the server's history. It
// does not retry.
func (t *Transport) LoadHistory(ctx context.Context) error {
	if t.opts.API == nil {
		return errors.New("chat: no history api configured")
	}

	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()

	items, err := t.opts.API.ChatHistory(ctx, t.appID)
	if err != nil {
		err = fmt.Errorf("load chat history: %w", err)
		t.mu.Lock()
		stale := gen != t.gen
		if !stale {
			t.err = err
		}
		t.mu.Unlock()
		if !stale {
			t.log.WithError(err).Error("history load failed")
			t.emitError(err)
		}
		return err
	}

	msgs := make([]model.ChatMessage, 0, len(items))
	for _, it := range items {
		msgs = append(msgs, it.ChatMessage())
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		t.log.Debug("discarding history loaded after disconnect")
		return nil
	}
	t.messages = msgs
	clear(t.seen)
	if t.opts.DedupByID {
		for _, m := range msgs {
			t.seen[m.ID] = struct{}{}
		}
	}
	t.err = nil
	t.mu.Unlock()

	t.log.WithField("count", len(msgs)).Debug("history loaded")
	return nil
}

// Connect opens the chat socket. It fails fast, without dialing, when no
// access token is available. Any socket this transport already holds is
// closed first. The socket outlives ctx; use Disconnect to close it.
func (t *Transport) Connect(ctx context.Context) error {
	if t.appID <= 0 {
		return ErrInvalidApplication
	}

	token, err := t.accessToken(ctx)
	if err != nil {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		t.log.WithError(err).Warn("chat connect refused")
		t.emitError(err)
		return err
	}

	sess := newSession()

	t.mu.Lock()
	var prev *websocket.Conn
	old := t.sess
	if old != nil {
		prev = old.detach()
	}
	t.sess = sess
	t.state = StateConnecting
	t.err = nil
	t.mu.Unlock()

	if old != nil {
		old.shutdown(prev, websocket.CloseNormalClosure)
	}
	t.emitState()

	go t.run(sess, token)
	return nil
}

// Disconnect closes the socket with a normal closure and cancels the
// reconnect and typing timers. It is safe to call in any state.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.gen++
	var conn *websocket.Conn
	if sess != nil {
		conn = sess.detach()
	}
	changed := t.state != StateIdle
	t.state = StateIdle
	clear(t.typing)
	t.mu.Unlock()

	if sess != nil {
		sess.shutdown(conn, websocket.CloseNormalClosure)
	}
	if changed {
		t.log.Debug("chat disconnected")
		t.emitState()
	}
}

// SendMessage sends text to the server. Nothing is echoed locally; the
// message shows up when the server broadcasts it back.
func (t *Transport) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	sess, conn := t.liveConn()
	if conn == nil {
		t.setErr(ErrNotConnected)
		return ErrNotConnected
	}

	if err := sess.write(conn, model.OutboundMessage{Type: model.TypeMessage, Text: text}); err != nil {
		err = fmt.Errorf("send message: %w", err)
		t.setErr(err)
		return err
	}
	return nil
}

// SendTyping tells the server whether the local user is typing. A true
// value is followed by an automatic false once the typing timeout passes
// without another call.
func (t *Transport) SendTyping(isTyping bool) {
	t.mu.Lock()
	sess := t.sess
	if sess == nil || t.state != StateConnected || sess.conn == nil {
		t.mu.Unlock()
		return
	}
	conn := sess.conn
	if sess.typing != nil {
		sess.typing.Stop()
		sess.typing = nil
	}
	if isTyping {
		sess.typing = time.AfterFunc(t.opts.TypingTimeout, func() { t.typingExpired(sess) })
	}
	t.mu.Unlock()

	if err := sess.write(conn, model.OutboundTyping{Type: model.TypeTyping, IsTyping: isTyping}); err != nil {
		t.log.WithError(err).Debug("typing frame not sent")
	}
}

func (t *Transport) typingExpired(sess *session) {
	t.mu.Lock()
	if t.sess != sess || sess.conn == nil {
		t.mu.Unlock()
		return
	}
	sess.typing = nil
	conn := sess.conn
	t.mu.Unlock()

	if err := sess.write(conn, model.OutboundTyping{Type: model.TypeTyping, IsTyping: false}); err != nil {
		t.log.WithError(err).Debug("typing reset not sent")
	}
}

// MarkAsRead confirms ids with the server and then flips them locally.
// On failure nothing changes locally.
func (t *Transport) MarkAsRead(ctx context.Context, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if t.opts.API == nil {
		return errors.New("chat: no history api configured")
	}

	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()

	if err := t.opts.API.MarkChatRead(ctx, messageIDs); err != nil {
		t.log.WithError(err).WithField("ids", messageIDs).Warn("mark read failed")
		return fmt.Errorf("mark messages read: %w", err)
	}

	want := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return nil
	}
	for i := range t.messages {
		if _, ok := want[t.messages[i].ID]; ok {
			t.messages[i].IsRead = true
		}
	}
	return nil
}

func (t *Transport) accessToken(ctx context.Context) (string, error) {
	if t.opts.Tokens == nil {
		return "", auth.ErrNoToken
	}
	tok, err := t.opts.Tokens.AccessToken(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", auth.ErrNoToken, err)
	}
	if tok == "" {
		return "", auth.ErrNoToken
	}
	return tok, nil
}

func (t *Transport) liveConn() (*session, *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil || t.state != StateConnected {
		return nil, nil
	}
	return t.sess, t.sess.conn
}

func (t *Transport) current(sess *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess == sess && sess.ctx.Err() == nil
}

// run performs one connection attempt and, once connected, reads until
// the socket fails. token is empty on retries and fetched again.
func (t *Transport) run(sess *session, token string) {
	if token == "" {
		tok, err := t.accessToken(sess.ctx)
		if err != nil {
			if sess.ctx.Err() != nil {
				return
			}
			t.abandon(sess, err)
			return
		}
		token = tok
	}

	conn, _, err := t.dialer.DialContext(sess.ctx, t.SocketURL(token), nil)
	if err != nil {
		if sess.ctx.Err() != nil {
			return
		}
		t.log.WithError(err).Warn("chat dial failed")
		t.scheduleReconnect(sess)
		return
	}

	t.mu.Lock()
	if t.sess != sess || sess.ctx.Err() != nil {
		t.mu.Unlock()
		sess.shutdown(conn, websocket.CloseNormalClosure)
		return
	}
	sess.conn = conn
	t.state = StateConnected
	t.mu.Unlock()

	t.log.Info("chat connected")
	t.emitState()

	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.closed(sess, conn, err)
			return
		}
		t.dispatch(sess, data)
	}
}

// abandon stops the session after a fatal precondition failure.
func (t *Transport) abandon(sess *session, err error) {
	t.mu.Lock()
	if t.sess != sess {
		t.mu.Unlock()
		return
	}
	conn := sess.detach()
	t.sess = nil
	t.state = StateIdle
	t.err = err
	t.mu.Unlock()

	sess.shutdown(conn, websocket.CloseNormalClosure)
	t.log.WithError(err).Error("chat reconnect abandoned")
	t.emitState()
	t.emitError(err)
}

func (t *Transport) closed(sess *session, conn *websocket.Conn, err error) {
	_ = conn.Close()
	if sess.ctx.Err() != nil {
		return
	}

	code := websocket.CloseAbnormalClosure
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}

	if code == websocket.CloseNormalClosure {
		t.mu.Lock()
		if t.sess != sess {
			t.mu.Unlock()
			return
		}
		sess.detach()
		t.sess = nil
		t.state = StateIdle
		clear(t.typing)
		t.mu.Unlock()

		t.log.Info("chat closed by server")
		t.emitState()
		return
	}

	t.log.WithError(err).WithField("code", code).Warn("chat socket lost")
	t.scheduleReconnect(sess)
}

func (t *Transport) scheduleReconnect(sess *session) {
	t.mu.Lock()
	if t.sess != sess || sess.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	sess.conn = nil
	if sess.typing != nil {
		sess.typing.Stop()
		sess.typing = nil
	}
	if sess.reconnect != nil {
		sess.reconnect.Stop()
	}
	sess.reconnect = time.AfterFunc(t.opts.ReconnectDelay, func() { t.retry(sess) })
	t.state = StateReconnecting
	// Typing frames sent while the socket is down are lost.
	typingCleared := len(t.typing) > 0
	clear(t.typing)
	t.mu.Unlock()

	t.log.WithField("delay", t.opts.ReconnectDelay).Info("chat reconnect scheduled")
	t.emitState()
	if h := t.opts.Hooks.OnTyping; typingCleared && h != nil {
		h([]string{})
	}
}

func (t *Transport) retry(sess *session) {
	t.mu.Lock()
	if t.sess != sess || sess.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	sess.reconnect = nil
	t.state = StateConnecting
	t.mu.Unlock()

	t.emitState()
	t.run(sess, "")
}

func (t *Transport) dispatch(sess *session, data []byte) {
	frame, err := model.DecodeFrame(data)
	if err != nil {
		t.log.WithError(err).Debug("dropping frame")
		return
	}
	if !t.current(sess) {
		return
	}

	switch f := frame.(type) {
	case model.ConnectionEstablished:
		t.log.WithField("message", f.Message).Debug("connection established")
	case model.MessageEvent:
		t.appendMessage(sess, f.Message)
	case model.TypingEvent:
		t.updateTyping(sess, f)
	case model.ErrorEvent:
		err := &ServerError{Message: f.Message}
		t.setErr(err)
		t.log.WithError(err).Warn("server reported error")
	case model.UnknownEvent:
		t.log.WithField("type", f.Type).Debug("ignoring frame")
	}
}

func (t *Transport) appendMessage(sess *session, m model.ChatMessage) {
	t.mu.Lock()
	if t.sess != sess {
		t.mu.Unlock()
		return
	}
	if t.opts.DedupByID {
		if _, dup := t.seen[m.ID]; dup {
			t.mu.Unlock()
			t.log.WithField("message_id", m.ID).Debug("duplicate message dropped")
			return
		}
		t.seen[m.ID] = struct{}{}
	}
	t.messages = append(t.messages, m)
	t.mu.Unlock()

	if h := t.opts.Hooks.OnMessage; h != nil {
		h(m)
	}
}

func (t *Transport) updateTyping(sess *session, ev model.TypingEvent) {
	if ev.UserEmail == "" {
		return
	}

	t.mu.Lock()
	if t.sess != sess {
		t.mu.Unlock()
		return
	}
	_, had := t.typing[ev.UserEmail]
	if ev.IsTyping {
		t.typing[ev.UserEmail] = struct{}{}
	} else {
		delete(t.typing, ev.UserEmail)
	}
	changed := had != ev.IsTyping
	users := t.typingLocked()
	t.mu.Unlock()

	if h := t.opts.Hooks.OnTyping; changed && h != nil {
		h(users)
	}
}

func (t *Transport) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.emitError(err)
}

// emitState reports the state as it is now, so a late call never
// announces a transition that was already superseded.
func (t *Transport) emitState() {
	if h := t.opts.Hooks.OnState; h != nil {
		h(t.State())
	}
}

func (t *Transport) emitError(err error) {
	if h := t.opts.Hooks.OnError; h != nil {
		h(err)
	}
}
