// Package clienttest runs an in-process verdant server for tests.
package clienttest

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/drblury/verdant/internal/discovery"
	"github.com/drblury/verdant/internal/runtime/jsoncodec"
)

// Server answers the pubkey, login and LiveKit token endpoints.
type Server struct {
	*httptest.Server

	Key     []byte
	KeyType string

	mu         sync.Mutex
	users      map[string]string
	resetUsers map[string]bool
	gate       chan struct{}

	logins atomic.Int64
}

// New starts a server that accepts alice/secret. It is closed on test cleanup.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Key:        []byte("clienttest-public-key"),
		KeyType:    "ed25519",
		users:      map[string]string{"alice": "secret"},
		resetUsers: map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /pubkey", s.handlePubKey)
	mux.HandleFunc("POST /auth/api/login/", s.handleLogin)
	mux.HandleFunc("GET /rpc/token", s.handleToken)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AddUser registers credentials.
func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
}

// RequireReset makes logins of username answer password_reset.
func (s *Server) RequireReset(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetUsers[username] = true
}

// HoldLogins blocks login requests until the returned release func is called
// or the request is cancelled.
func (s *Server) HoldLogins() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Logins counts login requests received.
func (s *Server) Logins() int64 { return s.logins.Load() }

// Discovery describes the server the way a beacon would.
func (s *Server) Discovery() discovery.Server {
	return discovery.Server{
		ID:         "clienttest",
		Name:       "clienttest",
		URL:        s.URL,
		Protocol:   discovery.Protocol,
		Version:    discovery.Version,
		PubKeyHash: discovery.HashKey(s.Key),
	}
}

// Token is the access token issued to username.
func Token(username string) string { return "tok-" + username }

// LiveKitToken is the LiveKit token issued for an access token.
func LiveKitToken(accessToken string) string { return "lk-" + accessToken }

func (s *Server) handlePubKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"key_type": s.KeyType,
		"pubkey":   base64.StdEncoding.EncodeToString(s.Key),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.logins.Add(1)

	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := jsoncodec.Decode(r.Body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	password, known := s.users[req.Username]
	reset := s.resetUsers[req.Username]
	s.mu.Unlock()

	switch {
	case reset:
		writeJSON(w, http.StatusOK, map[string]string{"result": "password_reset"})
	case known && password == req.Password:
		writeJSON(w, http.StatusOK, map[string]string{"result": "success", "token": Token(req.Username)})
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || !strings.HasPrefix(token, "tok-") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token": LiveKitToken(token),
		"room":  "lobby",
		"url":   "wss://livekit.invalid",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, v)
}
