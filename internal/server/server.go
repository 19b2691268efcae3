package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hearth-dev/hearth/internal/cache"
	"github.com/hearth-dev/hearth/internal/config"
	"github.com/hearth-dev/hearth/internal/content"
	"github.com/hearth-dev/hearth/internal/logging"
)

// DevServer serves rendered artifacts straight out of the dependency-tracked
// cache and hosts the live-reload channel. It implements
// build.ReloadNotifier, so the orchestrator broadcasts through it after each
// batch with at least one changed artifact.
type DevServer struct {
	host   string
	port   int
	store  *cache.DependencyCache
	site   *content.Site
	tokens *TokenStore
	hub    *Hub
	logger logging.Logger

	httpServer *http.Server
}

// New creates a dev server for the given cache and site mapping.
func New(cfg *config.Config, store *cache.DependencyCache, site *content.Site, logger logging.Logger) *DevServer {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	logger = logger.WithComponent("server")

	tokens := NewTokenStore(cfg.Reload.TokenTTL, cfg.Reload.MaxActiveTokens)

	s := &DevServer{
		host:   cfg.Server.Host,
		port:   cfg.Server.Port,
		store:  store,
		site:   site,
		tokens: tokens,
		hub:    NewHub(tokens, logger),
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livereload/token", s.handleToken)
	mux.HandleFunc("/livereload", s.handleWebSocket)
	mux.HandleFunc("/", s.handlePage)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start runs the hub and the HTTP listener until the context is cancelled
// or the listener fails.
func (s *DevServer) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	s.logger.Info(ctx, "dev server listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *DevServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Notify implements build.ReloadNotifier.
func (s *DevServer) Notify(affectedKeys []string) {
	s.hub.Broadcast(affectedKeys)
}

// Addr returns the configured listen address.
func (s *DevServer) Addr() string {
	return s.httpServer.Addr
}

// handleToken is the session-start handshake: it issues a reload token the
// browser presents when opening the websocket.
func (s *DevServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, err := s.tokens.Issue()
	if err != nil {
		if stderrors.Is(err, ErrAtCapacity) {
			// Expected under client churn; tell the browser to back off.
			w.Header().Set("Retry-After", "30")
			http.Error(w, "reload token store at capacity", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error(r.Context(), err, "token issuance failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(token)
}

// handlePage maps the request path to a cache key and serves the artifact.
// The cache is authoritative: a miss means the page was never built, failed
// to build with no prior artifact, or expired.
func (s *DevServer) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := s.keyForRequest(r.URL.Path)
	artifact := s.store.Retrieve(key)
	if artifact == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(injectReloadScript(artifact))
}

func (s *DevServer) keyForRequest(path string) string {
	trimmed := strings.Trim(path, "/")
	switch {
	case trimmed == "" || trimmed == "archive":
		return content.ArchiveKey()
	case strings.HasPrefix(trimmed, "tags/"):
		return content.TagKey(strings.TrimPrefix(trimmed, "tags/"))
	default:
		return content.KeyForSlug(content.Slugify(trimmed))
	}
}
