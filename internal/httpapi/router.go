package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/electra-ai/evaa/internal/agent"
	"github.com/electra-ai/evaa/internal/eventlog"
	"github.com/electra-ai/evaa/internal/notifications"
	"github.com/electra-ai/evaa/internal/store"
)

type RouterConfig struct {
	// Voice AI providers
	DeepgramAPIKey string
	GroqAPIKey     string
	GroqModel      string

	// STT settings
	STTMode          string // "flux" (provider turn detection) or "live" (merge mode)
	STTSampleRate    int
	STTDebugAudioDir string // when set, live-mode audio is recorded here

	// Websocket token auth (disabled when the secret is empty)
	JWTSecret string
	JWTExpiry time.Duration

	// Admin access
	AdminAPIKey string

	// Notifications
	DiscordWebhookURL string
}

// Storage is the slice of the store the HTTP surface needs. The
// production implementation is store.Store.
type Storage interface {
	ActiveStages(ctx context.Context) ([]store.Stage, error)
	CreateStage(ctx context.Context, name, description, goal string, order int, isActive bool) (*store.Stage, error)
	FindSessionMemory(ctx context.Context, sessionID string) (*store.SessionMemory, error)
	SaveSessionMemory(ctx context.Context, m *store.SessionMemory) error
	InsertBRD(ctx context.Context, d *store.BRDDocument) error
	LatestBRD(ctx context.Context, sessionID string) (*store.BRDDocument, error)
}

type Router struct {
	cfg      RouterConfig
	logger   *zap.SugaredLogger
	store    Storage
	eventLog *eventlog.Logger
	discord  *notifications.Discord
	agent    agent.Client
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *zap.SugaredLogger, s Storage, eventLog *eventlog.Logger) http.Handler {
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		eventLog: eventLog,
		discord:  notifications.NewDiscord(cfg.DiscordWebhookURL, logger),
		agent: agent.NewGroqClient(agent.GroqConfig{
			APIKey: cfg.GroqAPIKey,
			Model:  cfg.GroqModel,
			Logger: logger,
		}),
		mux: http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)

	// Conversation websocket
	r.mux.HandleFunc("GET /conversation/{sessionID}", r.handleConversationWS)

	// Websocket token issuance (public)
	r.mux.HandleFunc("POST /auth/token", r.handleIssueToken)

	// Stage catalog
	r.mux.HandleFunc("GET /api/stages", r.handleListStages)
	r.mux.HandleFunc("POST /admin/stages", r.withAdminKey(r.handleCreateStage))

	// BRD generation
	r.mux.HandleFunc("POST /brd/{sessionID}", r.handleGenerateBRD)
	r.mux.HandleFunc("GET /brd/{sessionID}", r.handleGetBRD)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Admin-Key")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
