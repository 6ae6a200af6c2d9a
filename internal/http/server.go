package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"medical-translator/internal/core"
	"medical-translator/internal/llm"
	"medical-translator/internal/realtime"
	"medical-translator/pkg"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Store is the persistence the handlers read and write.
type Store interface {
	CreateVisit(ctx context.Context, sessionID string) (*pkg.VisitTimestamps, error)
	CloseVisit(ctx context.Context, sessionID string, clinician, patient *pkg.LanguageCode) error
	GetVisit(ctx context.Context, sessionID string) (*pkg.Visit, error)
	CreateMessage(ctx context.Context, m pkg.NewMessage) (*pkg.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]pkg.Message, error)
}

// Subscriber delivers a signal when the analysis of a visit lands.
type Subscriber interface {
	Subscribe(sessionID string) (<-chan struct{}, func())
}

// EventLogReader reads a mirrored realtime event log.
type EventLogReader interface {
	List(ctx context.Context, sessionID string, limit int) ([]json.RawMessage, error)
}

// RelayConfig configures the sessions opened through the websocket relay.
type RelayConfig struct {
	Session core.SessionConfig
	Bridge  realtime.BridgeConfig
	Parker  core.MessageParker
	Mirror  core.EventMirror
	// AudioBuffer is the number of audio chunks queued per session.
	AudioBuffer int
}

// Deps bundles together the dependencies required by HTTP handlers.
type Deps struct {
	Store          Store
	Analyzer       core.VisitAnalyzer
	Speaker        llm.Speaker
	Credentials    realtime.CredentialSource
	Notifier       Subscriber
	EventLog       EventLogReader
	Registry       *core.Registry
	Relay          RelayConfig
	Logger         *zap.Logger
	RequestTimeout time.Duration
	AnalyzeTimeout time.Duration
	AllowedOrigins []string
}

// Server implements http.Handler so it can be passed to http.Server.
type Server struct {
	Deps

	upgrader websocket.Upgrader
	origins  map[string]bool
}

// NewServer constructs a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.RequestTimeout == 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	if deps.AnalyzeTimeout == 0 {
		deps.AnalyzeTimeout = 2 * time.Minute
	}
	if deps.Registry == nil {
		deps.Registry = core.NewRegistry()
	}
	if deps.Relay.AudioBuffer == 0 {
		deps.Relay.AudioBuffer = 64
	}
	s := &Server{Deps: deps, origins: make(map[string]bool)}
	for _, o := range deps.AllowedOrigins {
		s.origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// ServeHTTP dispatches incoming requests based on the URL path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.cors(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path := r.URL.Path
	switch {
	case path == "/healthz" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	// Mint a realtime credential: POST /sessions
	case path == "/sessions" && r.Method == http.MethodPost:
		s.handleCreateSession(w, r)
	case path == "/visits" && r.Method == http.MethodPost:
		s.handleCreateVisit(w, r)
	case path == "/visits" && r.Method == http.MethodPatch:
		s.handleCloseVisit(w, r)
	case path == "/messages" && r.Method == http.MethodPost:
		s.handleCreateMessage(w, r)
	case path == "/tts" && r.Method == http.MethodPost:
		s.handleSpeech(w, r)
	case path == "/realtime" && r.Method == http.MethodGet:
		s.handleRealtime(w, r)
	// /visits/{id}[/messages|/metrics|/events|/events/log|/analyze]
	case strings.HasPrefix(path, "/visits/"):
		parts := strings.Split(strings.TrimPrefix(path, "/visits/"), "/")
		sessionID, rest := parts[0], strings.Join(parts[1:], "/")
		switch {
		case rest == "" && r.Method == http.MethodGet:
			s.handleGetVisit(w, r, sessionID)
		case rest == "messages" && r.Method == http.MethodGet:
			s.handleListMessages(w, r, sessionID)
		case rest == "metrics" && r.Method == http.MethodGet:
			s.handleMetrics(w, r, sessionID)
		case rest == "events" && r.Method == http.MethodGet:
			s.handleVisitEvents(w, r, sessionID)
		case rest == "events/log" && r.Method == http.MethodGet:
			s.handleEventLog(w, r, sessionID)
		case rest == "analyze" && r.Method == http.MethodPost:
			s.handleAnalyze(w, r, sessionID)
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) cors(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !(s.origins["*"] || s.origins[origin]) {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	h.Add("Vary", "Origin")
}

// checkOrigin accepts same-host requests and configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.origins["*"] || s.origins[origin] {
		return true
	}
	return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
}
