package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/resilience"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/sinks"
	"github.com/harunnryd/callscribe/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	StreamPath         string   `mapstructure:"stream_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.StreamPath == "" {
		c.StreamPath = "/stream"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Deps are the shared collaborators every call session is built with.
type Deps struct {
	Model    recognizer.Model
	Sink     sinks.Sink
	Observer metrics.Observer
	Breaker  *resilience.CircuitBreaker
	Registry *session.Registry
	Logger   *slog.Logger
}

// Gateway answers Twilio's call-setup webhook and accepts the media stream
// connection, running one session per connection.
type Gateway struct {
	cfg      Config
	sessCfg  session.Config
	deps     Deps
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

func New(cfg Config, sessCfg session.Config, deps Deps) *Gateway {
	cfg = cfg.withDefaults()
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	g := &Gateway{
		cfg:     cfg,
		sessCfg: sessCfg,
		deps:    deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
		},
		logger: logging.NewComponentLogger(deps.Logger, "twilio_gateway"),
	}
	g.upgrader.CheckOrigin = g.checkOrigin
	return g
}

func (g *Gateway) Name() string { return "twilio" }

func (g *Gateway) Registry() *session.Registry { return g.deps.Registry }

func (g *Gateway) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         g.voiceWebhookURL(),
		"stream_url":          g.streamURL(nil),
		"status_callback_url": g.statusCallbackURL(),
	}
}

// Router returns the HTTP surface. Sessions accepted through it run until
// ctx is cancelled, at which point they close with 1001.
func (g *Gateway) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post(g.cfg.VoicePath, g.handleVoice)
	r.Post(g.cfg.StatusCallbackPath, g.handleStatusCallback)
	r.Get(g.cfg.StreamPath, func(w http.ResponseWriter, req *http.Request) {
		g.handleStream(ctx, w, req)
	})
	r.Get("/health", g.handleHealth)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	return r
}

func (g *Gateway) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	srv := &http.Server{
		Addr:              g.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           g.Router(ctx),
	}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway_server_error", slog.String("error", err.Error()))
		}
	}()
	g.logger.Info("gateway_listening", slog.String("addr", g.cfg.ServerAddr))
	return nil
}

// Stop refuses new streams and closes the listener. Hijacked stream
// connections are left to their sessions.
func (g *Gateway) Stop() error {
	g.deps.Registry.SetDraining(true)
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (g *Gateway) handleStream(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	reg := g.deps.Registry
	if reg.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !g.deps.Breaker.Allow() {
		g.logger.Warn("stream_rejected", errorsx.ReasonRecognizerCircuit.Attr())
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("stream_upgrade_failed",
			errorsx.ReasonTransportUpgrade.Attr(),
			slog.String("error", err.Error()))
		return
	}
	s, err := session.New(conn, g.sessCfg, session.Options{
		Model:    g.deps.Model,
		Sink:     g.deps.Sink,
		Observer: g.deps.Observer,
		Breaker:  g.deps.Breaker,
		Logger:   g.deps.Logger,
	})
	if err != nil {
		g.logger.Error("session_create_failed", slog.String("error", err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, session.ReasonRecognizerUnavailable),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	if !reg.Add(s) {
		s.Close(websocket.CloseGoingAway, session.ReasonShutdown)
	}
	defer reg.Remove(s)
	if err := s.Run(ctx); err != nil {
		g.logger.Debug("session_ended_with_error",
			errorsx.Attr(err),
			slog.String("error", err.Error()))
	}
}

func (g *Gateway) handleVoice(w http.ResponseWriter, r *http.Request) {
	if g.cfg.AuthToken != "" && !g.validateTwilioRequest(r) {
		g.logger.Warn("twilio_invalid_signature", errorsx.ReasonTransportInvalidSignature.Attr())
		w.WriteHeader(http.StatusForbidden)
		return
	}
	twiml := streamTwiML(g.streamURL(r), g.cfg.VoiceGreeting)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

// streamTwiML connects the call to the media stream, optionally after a spoken
// greeting.
func streamTwiML(streamURL, greeting string) string {
	var b strings.Builder
	b.WriteString("<Response>")
	if greeting = strings.TrimSpace(greeting); greeting != "" {
		b.WriteString("<Say>" + xmlEscape(greeting) + "</Say>")
	}
	b.WriteString(`<Connect><Stream url="` + xmlEscape(streamURL) + `"/></Connect></Response>`)
	return b.String()
}

func (g *Gateway) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if g.cfg.AuthToken != "" && !g.validateTwilioRequest(r) {
		g.logger.Warn("twilio_status_invalid_signature", errorsx.ReasonTransportInvalidSignature.Attr())
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if s, ok := g.deps.Registry.ByCallSID(callSID); ok {
		g.logger.Info("call_ended_by_status_callback",
			slog.String("call_sid", callSID),
			slog.String("call_end_reason", reason))
		s.Close(websocket.CloseNormalClosure, session.ReasonCallCompleted)
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	state := "ok"
	if g.deps.Registry.Draining() {
		state = "draining"
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   state,
		"sessions": g.deps.Registry.Count(),
	})
}

func (g *Gateway) streamURL(r *http.Request) string {
	if g.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(g.cfg.PublicURL) + g.cfg.StreamPath
	}
	host := ""
	if r != nil {
		host = r.Host
	}
	if host == "" {
		host = localAddr(g.cfg.ServerAddr)
	}
	return "wss://" + host + g.cfg.StreamPath
}

func (g *Gateway) voiceWebhookURL() string {
	return webhookURL(g.cfg, g.cfg.VoicePath)
}

func (g *Gateway) statusCallbackURL() string {
	return webhookURL(g.cfg, g.cfg.StatusCallbackPath)
}

func webhookURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	return "http://" + localAddr(cfg.ServerAddr) + path
}

func localAddr(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return addr
}

func (g *Gateway) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || g.cfg.AuthToken == "" {
		return false
	}
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return false
		}
		_ = r.Body.Close()
		body = b
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(g.cfg.AuthToken)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return false
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		return validator.Validate(g.requestURL(r), params, signature)
	}
	return validator.ValidateBody(g.requestURL(r), body, signature)
}

func (g *Gateway) requestURL(r *http.Request) string {
	if g.cfg.PublicURL != "" {
		base := strings.TrimRight(g.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(g.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range g.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

// normalizeCallEndReason maps a Twilio CallStatus to an end reason. Non-terminal
// statuses map to "".
func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress", "initiated":
		return ""
	case "completed", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "canceled", "cancelled":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var _ transports.Transport = (*Gateway)(nil)
var _ transports.ReadyReporter = (*Gateway)(nil)
