// Package ws hosts the dashboard over HTTP: static assets, permanent
// redirects for legacy paths, the stats endpoint, and the websocket
// endpoint that carries the inspection protocol.
package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/proxyscope/backend/internal/config"
	"github.com/proxyscope/backend/internal/event"
	"github.com/proxyscope/backend/internal/inspect"
	"github.com/proxyscope/backend/internal/stats"
)

type Server struct {
	cfg             *config.Config
	bus             *event.Bus
	tracker         *stats.Tracker
	embeddedHandler http.Handler
	allowedOrigins  map[string]bool
	allowedHosts    map[string]bool
	authToken       string
}

// NewServer builds the dashboard server. embeddedHandler, when non-nil,
// serves the dashboard assets from the binary; otherwise they come from
// cfg.Dashboard.StaticDir.
func NewServer(cfg *config.Config, bus *event.Bus, tracker *stats.Tracker, embeddedHandler http.Handler) *Server {
	s := &Server{
		cfg:             cfg,
		bus:             bus,
		tracker:         tracker,
		embeddedHandler: embeddedHandler,
		allowedOrigins:  make(map[string]bool),
		allowedHosts:    make(map[string]bool),
		authToken:       cfg.Server.AuthToken,
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/dashboard", s.handleDashboard)
	mux.Handle("/dashboard/", securityHeaders(http.HandlerFunc(s.handleStatic)))
	mux.HandleFunc("/api/stats", s.handleStats)
}

// handleDashboard serves the bare /dashboard path: websocket upgrades carry
// the inspection protocol, plain HTTP gets redirected to /dashboard/.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.handleWS(w, r)
		return
	}
	http.Redirect(w, r, "/dashboard/", http.StatusPermanentRedirect)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	// Legacy path from before the dashboard became an SPA.
	if r.URL.Path == "/dashboard/proxy.html" {
		http.Redirect(w, r, "/dashboard/", http.StatusPermanentRedirect)
		return
	}

	var assets http.Handler
	if s.embeddedHandler != nil {
		assets = s.embeddedHandler
	} else {
		assets = http.FileServer(http.Dir(s.cfg.Dashboard.StaticDir))
	}
	http.StripPrefix("/dashboard/", assets).ServeHTTP(w, r)
}

// handleWS runs one observer connection to completion. The read loop is
// the connection's single control-handling goroutine; teardown happens
// before the client's send side closes so the relay can never write to a
// closed channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("dashboard ws opened: %s", r.RemoteAddr)
	s.tracker.ConnOpened()

	c := newClient(conn)
	sess := inspect.NewSession(s.bus, c, inspect.Options{
		Enabled:       s.cfg.Dashboard.EnableEvents,
		ChannelBuffer: s.cfg.Relay.ChannelBuffer,
		OnEnabled:     s.tracker.SessionEnabled,
		OnRelayed:     s.tracker.EventRelayed,
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		sess.HandleMessage(data)
	}

	sess.Close()
	c.close()
	s.tracker.ConnClosed()
	log.Printf("dashboard ws closed: %s", r.RemoteAddr)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.tracker.Snapshot())
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Proxyscope-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
