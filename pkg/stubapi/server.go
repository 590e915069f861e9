// Package stubapi is an in-memory stand-in for the marketplace backend.
// It speaks the same REST and websocket contract as the real server and
// is meant for local development and end-to-end tests of the clients.
package stubapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/mahaj/market-realtime/pkg/auth"
	"github.com/mahaj/market-realtime/pkg/model"
	"github.com/sirupsen/logrus"
)

type contextKey string

const userKey contextKey = "user"

type Server struct {
	issuer *auth.Issuer
	store  *store
	router *mux.Router
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	hubs map[int64]*Hub
}

func New(issuer *auth.Issuer, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		issuer: issuer,
		store:  newStore(),
		log:    logger.WithField("component", "stubapi"),
		ctx:    ctx,
		cancel: cancel,
		hubs:   make(map[int64]*Hub),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/login/", s.login).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ws/chat/application/{id:[0-9]+}/", s.serveWs)

	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/chat/by_application/", s.chatHistory).Methods(http.MethodGet)
	api.HandleFunc("/chat/mark_read/", s.markChatRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/", s.listNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read_all/", s.markAllNotificationsRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}/read/", s.markNotificationRead).Methods(http.MethodPost)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops every hub and closes their sockets.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) hub(appID int64) *Hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[appID]
	if !ok {
		h = newHub(appID, s.log)
		s.hubs[appID] = h
		go h.Run(s.ctx)
	}
	return h
}

// DropConnections closes all sockets of an application with code; 0
// drops them without a close frame.
func (s *Server) DropConnections(appID int64, code int) {
	s.hub(appID).Drop(code)
}

// Connections reports how many sockets are open on an application.
func (s *Server) Connections(appID int64) int {
	return s.hub(appID).Connections()
}

// AddNotification stores a notification for the user with the given
// e-mail. A zero CreatedAt is set to now.
func (s *Server) AddNotification(owner string, rec model.NotificationRecord) model.NotificationRecord {
	return s.store.addNotification(owner, rec)
}

func (s *Server) DeleteNotification(id int64) {
	s.store.deleteNotification(id)
}

// Post stores a message as if sender had sent it over the socket and
// broadcasts it.
func (s *Server) Post(appID int64, sender model.Sender, text string) (model.ChatMessage, error) {
	msg := s.store.appendMessage(appID, sender, text)
	data, err := model.EncodeMessageEvent(msg)
	if err != nil {
		return msg, err
	}
	s.hub(appID).Broadcast(data, nil)
	return msg, nil
}

// Push sends a raw frame to every socket of an application.
func (s *Server) Push(appID int64, frame []byte) {
	s.hub(appID).Broadcast(frame, nil)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if len(tokenString) < 8 || tokenString[:7] != "Bearer " {
			writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}

		claims, err := s.issuer.ValidateToken(tokenString[7:])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Given token not valid for any token type")
			return
		}

		s.log.WithFields(logrus.Fields{
			"user":       claims.Email,
			"path":       r.URL.Path,
			"request_id": r.Header.Get("X-Request-ID"),
		}).Debug("authenticated request")

		s.store.touchUser(claims.Sender())
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, claims)))
	})
}

func userFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(userKey).(*auth.Claims)
	return claims
}

type loginRequest struct {
	ID    int64      `json:"id"`
	Email string     `json:"email"`
	Name  string     `json:"name"`
	Role  model.Role `json:"role"`
}

type loginResponse struct {
	Access string `json:"access"`
}

// login issues a token for whoever asks. Development only.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if req.Role == "" {
		req.Role = model.RoleClient
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	user := model.Sender{ID: req.ID, Email: req.Email, Name: req.Name, Role: req.Role}
	token, err := s.issuer.GenerateToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	s.store.touchUser(user)
	writeJSON(w, http.StatusOK, loginResponse{Access: token})
}

func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	appID, err := strconv.ParseInt(r.URL.Query().Get("application_id"), 10, 64)
	if err != nil || appID <= 0 {
		writeError(w, http.StatusBadRequest, "application_id is required")
		return
	}
	writeJSON(w, http.StatusOK, s.store.history(appID))
}

func (s *Server) markChatRead(w http.ResponseWriter, r *http.Request) {
	var req model.MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	n := s.store.markMessagesRead(req.MessageIDs)
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	recs := s.store.notifications(userFrom(r).Email)
	writeJSON(w, http.StatusOK, model.NotificationPage{Count: len(recs), Results: recs})
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	if !s.store.markNotificationRead(userFrom(r).Email, mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "Not found.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n := s.store.markAllNotificationsRead(userFrom(r).Email)
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

// ListenAndServe runs the stub on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("stub backend listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	return srv.Shutdown(shutdownCtx)
}
