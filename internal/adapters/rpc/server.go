// Package rpc exposes the gateway over JSON-RPC 2.0 on a loopback HTTP
// listener, with /healthz and /metrics beside /rpc.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"icgate/go-backend/internal/actor"
	"icgate/go-backend/internal/agent"
	"icgate/go-backend/internal/app"
	"icgate/go-backend/internal/candid"
	"icgate/go-backend/internal/identity"
	"icgate/go-backend/internal/platform/ratelimiter"
	"icgate/go-backend/internal/registry"
)

const DefaultRPCAddr = "127.0.0.1:8099"

const (
	tokenHeader     = "X-ICGW-RPC-Token"
	requestIDHeader = "X-ICGW-Request-ID"
)

// IdentityService is satisfied by *identity.Manager.
type IdentityService interface {
	Current() *identity.Identity
	Public() identity.Public
	Regenerate(ctx context.Context, opts identity.RegenerateOptions) (*identity.RegenerateResult, error)
	ImportPhrase(ctx context.Context, phrase string) (*identity.RegenerateResult, error)
	ExportPhrase(passphrase string) (string, error)
	CreateBackup(ctx context.Context) (identity.BackupInfo, error)
	Backups(ctx context.Context) ([]identity.BackupInfo, error)
	ExportBackup(ctx context.Context, id string) ([]byte, error)
	RestoreBackup(ctx context.Context, id string) (identity.Public, error)
	RestoreBlob(ctx context.Context, blob []byte) (identity.Public, error)
}

// RegistryService is satisfied by *registry.Registry.
type RegistryService interface {
	Add(ctx context.Context, name, canisterID, network string) (registry.Entry, error)
	Remove(ctx context.Context, name string) error
	Get(name string) (registry.Entry, error)
	List() []registry.Entry
	ResolveMethods(ctx context.Context, name string) (*candid.Document, error)
	Invalidate(ctx context.Context, name string) error
}

// Caller is satisfied by *actor.Controller.
type Caller interface {
	Call(ctx context.Context, signer agent.Signer, entry registry.Entry, method string, args []any, opts actor.Options) (*actor.Result, error)
}

// Doctor is satisfied by *app.Runtime.
type Doctor interface {
	Doctor(ctx context.Context) (app.DoctorReport, error)
}

// Observer receives per-method outcomes. It may be nil.
type Observer interface {
	ObserveRPC(method, outcome string)
	ObserveRateLimited()
}

type Options struct {
	Addr string
	// Token, when set, must accompany every request except /healthz.
	Token        string
	MaxBodyBytes int64
	Identity     IdentityService
	Registry     RegistryService
	Caller       Caller
	Doctor       Doctor
	Limiter      *ratelimiter.MapLimiter
	Metrics      http.Handler
	Observer     Observer
	Logger       *slog.Logger
	Now          func() time.Time
}

type Server struct {
	httpServer  *http.Server
	identity    IdentityService
	registry    RegistryService
	caller      Caller
	doctor      Doctor
	token       string
	maxBody     int64
	limiter     *ratelimiter.MapLimiter
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
	replay      *replayCache
}

func NewServer(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultRPCAddr
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxRPCBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		identity:    opts.Identity,
		registry:    opts.Registry,
		caller:      opts.Caller,
		doctor:      opts.Doctor,
		token:       strings.TrimSpace(opts.Token),
		maxBody:     opts.MaxBodyBytes,
		limiter:     opts.Limiter,
		observer:    opts.Observer,
		logger:      opts.Logger,
		now:         opts.Now,
		replay:      newReplayCache(replayTTL, replayMaxEntries),
	}
	if s.token == "" {
		s.logger.Warn("ICGW_RPC_TOKEN is not set; RPC auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	if opts.Metrics != nil {
		mux.Handle("/metrics", s.requireToken(opts.Metrics))
	}
	return s
}

// Run serves until ctx is done, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("rpc listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Handler is the full mux, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) { s.handleHealth(w, r) }

func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) { s.handleRPC(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorizeRPC(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+tokenHeader+", "+idempotencyHeader+", "+requestIDHeader)
	return true
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	token := extractRPCToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func extractRPCToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get(tokenHeader))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func isAllowedOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
