package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/memory"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/workflow"
	"github.com/malbeclabs/pharma-lake/lake/pkg/store"
)

const (
	UserHeader    = "X-User-ID"
	AnonymousUser = "anonymous"

	defaultOwnershipTTL = 5 * time.Minute
	memoryUpdateTimeout = 60 * time.Second
)

// Store is the subset of the chat store the handlers use.
type Store interface {
	CreateSession(ctx context.Context, user string) (*store.Session, error)
	GetSession(ctx context.Context, user string, id uuid.UUID) (*store.Session, error)
	ListSessions(ctx context.Context, user string) ([]store.Session, error)
	AddMessage(ctx context.Context, session uuid.UUID, role, content, sqlQuery string, metadata map[string]any) (*store.Message, error)
	ListMessages(ctx context.Context, user string, session uuid.UUID) ([]store.Message, error)
	RecentMessages(ctx context.Context, user string, session uuid.UUID, limit int) ([]memory.Message, error)
	MaybeAutoTitle(ctx context.Context, session uuid.UUID) (string, error)
	Bundle(ctx context.Context, user string, session uuid.UUID) (*memory.Bundle, error)

	AuditStart(ctx context.Context, requestID, user string, session *uuid.UUID, mode string) (int64, error)
	AuditSuccess(ctx context.Context, id int64, sum store.AuditSummary) error
	AuditError(ctx context.Context, id int64, message string, sum store.AuditSummary) error
}

// Runner runs one chat workflow.
type Runner interface {
	Run(ctx context.Context, req workflow.Request, emit workflow.Emitter) (*workflow.State, error)
}

// MemoryUpdater persists post-run session memory.
type MemoryUpdater interface {
	Update(ctx context.Context, user string, session uuid.UUID, facts memory.Facts) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger   *slog.Logger
	Store    Store
	Workflow Runner
	// Memory is optional; without it no memory is written after runs.
	Memory MemoryUpdater
	Clock  clockwork.Clock
	Build  BuildInfo
	Checks map[string]HealthCheck

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	OwnershipTTL      time.Duration
}

// Handlers serves the chat, session and health endpoints.
type Handlers struct {
	cfg    Config
	log    *slog.Logger
	clock  clockwork.Clock
	owners *ttlcache.Cache[string, struct{}]

	// background tracks memory updates that outlive their request.
	background sync.WaitGroup
}

func New(cfg Config) (*Handlers, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Workflow == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.OwnershipTTL <= 0 {
		cfg.OwnershipTTL = defaultOwnershipTTL
	}

	return &Handlers{
		cfg:   cfg,
		log:   cfg.Logger,
		clock: cfg.Clock,
		owners: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](cfg.OwnershipTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}, nil
}

// Routes mounts every endpoint on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/api/healthz", h.Healthz)
	r.Get("/api/version", h.Version)

	r.Get("/api/sessions", h.ListSessions)
	r.Post("/api/sessions", h.CreateSession)
	r.Get("/api/sessions/{id}/messages", h.ListMessages)

	r.Post("/api/chat/stream", h.ChatStream)
}

// Wait blocks until background memory updates have finished.
func (h *Handlers) Wait() {
	h.background.Wait()
}

// userID is the caller identity. Authentication happens in front of the API.
func userID(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(UserHeader)); u != "" {
		return u
	}
	return AnonymousUser
}

// ownsSession checks ownership through the cache before hitting the store.
func (h *Handlers) ownsSession(ctx context.Context, user string, id uuid.UUID) error {
	key := user + "/" + id.String()
	if h.owners.Has(key) {
		return nil
	}
	if _, err := h.cfg.Store.GetSession(ctx, user, id); err != nil {
		return err
	}
	h.owners.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// internalError logs err and returns a message safe to show clients.
func (h *Handlers) internalError(msg string, err error) string {
	h.log.Error(msg, "error", err)
	return msg
}
