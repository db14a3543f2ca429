package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"videovault/internal/api"
	"videovault/internal/models"
	"videovault/internal/observability/metrics"
	"videovault/internal/realtime"
	"videovault/internal/serverutil"
)

// TLSConfig defines certificate files that enable TLS for the HTTP listener
// created by Server. When both CertFile and KeyFile are provided the server
// starts with TLS; otherwise it falls back to plain HTTP on Config.Addr.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config aggregates the dependencies and settings required to construct a
// Server: the listen address, TLS material, rate limiting, CORS, security
// headers, and the loggers shared across the middleware chain.
type Config struct {
	Addr        string
	TLS         TLSConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger

	// MaxBodyBytes caps every request body before any handler reads it,
	// so an oversized upload is cut off mid-stream instead of being
	// written to disk in full first. Zero selects DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// DefaultMaxBodyBytes bounds request bodies when Config.MaxBodyBytes is
// unset: a 2 GiB upload ceiling plus slack for the multipart framing.
const DefaultMaxBodyBytes = 2<<30 + 1<<20

// Server wraps the configured http.Server alongside rate limiting and TLS
// metadata derived from Config. It exposes lifecycle methods for starting
// and gracefully shutting down the listener created by New.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	auditLogger *slog.Logger
	rateLimiter *rateLimiter
	ipResolver  *clientIPResolver
	tlsCertFile string
	tlsKeyFile  string
}

// New wires the HTTP router and middleware chain for the video vault API: auth,
// video CRUD and streaming, admin/moderation routes, the realtime websocket
// upgrade, and the Prometheus scrape endpoint, all behind a consistent
// request-id -> recovery -> metrics -> cors -> security-headers ->
// body-size-cap -> rate-limit -> audit -> logging chain.
func New(handler *api.Handler, hub *realtime.Hub, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handler.Health)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/api/auth/register", handler.Register)
	mux.HandleFunc("/api/auth/login", handler.Login)
	mux.HandleFunc("/api/auth/refresh", handler.Refresh)
	mux.HandleFunc("/api/auth/logout", handler.Logout)
	mux.HandleFunc("/api/auth/me", handler.RequireAuth(handler.Me))

	mux.HandleFunc("/api/videos", videosCollectionHandler(handler))
	mux.HandleFunc("/api/videos/flagged", handler.RequireAuth(handler.RequireRole(models.RoleAdmin, handler.FlaggedVideos)))
	mux.HandleFunc("/api/videos/", videoItemHandler(handler))

	mux.HandleFunc("/api/admin/queue/stats", handler.RequireAuth(handler.RequireRole(models.RoleAdmin, handler.QueueStats)))

	mux.HandleFunc("/api/stream/", streamItemHandler(handler))

	if hub != nil {
		mux.HandleFunc("/api/realtime/ws", hub.ServeWS)
	}

	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors policy: %w", err)
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure rate limiter: %w", err)
	}
	ipResolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure client ip resolver: %w", err)
	}

	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	handlerChain := http.Handler(mux)
	handlerChain = loggingMiddleware(cfg.Logger, ipResolver, handlerChain)
	handlerChain = auditMiddleware(cfg.AuditLogger, ipResolver, handlerChain)
	handlerChain = rateLimitMiddleware(rl, ipResolver, handler.SubjectKey, cfg.Logger, handlerChain)
	handlerChain = maxBytesMiddleware(maxBodyBytes, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(corsPolicy, cfg.Logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(handlerChain)
	handlerChain = recoveryMiddleware(cfg.Logger, handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // long-lived streaming/realtime responses set their own deadlines
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		auditLogger: cfg.AuditLogger,
		rateLimiter: rl,
		ipResolver:  ipResolver,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Start runs the HTTP listener until ctx is cancelled, at which point it
// attempts a graceful shutdown bounded by shutdownTimeout (DefaultShutdownTimeout
// when zero). ready, if non-nil, is closed once the listener is accepting
// connections, letting callers (and tests) synchronize with startup.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration, ready chan<- struct{}) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile},
		ShutdownTimeout: shutdownTimeout,
		Ready:           ready,
	})
}

// Shutdown gracefully stops the HTTP listener directly, for callers that do
// not drive shutdown through the ctx passed to Start (e.g. tests covering
// Shutdown in isolation).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// videosCollectionHandler dispatches /api/videos by method: POST uploads a
// new video (CreateVideo), GET lists the caller's tenant (ListVideos).
func videosCollectionHandler(handler *api.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handler.RequireAuth(handler.CreateVideo)(w, r)
		case http.MethodGet:
			handler.RequireAuth(handler.ListVideos)(w, r)
		default:
			api.WriteMethodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	}
}

// videoItemHandler dispatches /api/videos/{id} and its sub-resources
// (status, reprocess, sensitivity) by peeling the trailing path segments,
// since this module targets Go 1.21 and cannot rely on http.ServeMux's
// 1.22 method/wildcard patterns.
func videoItemHandler(handler *api.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, rest, ok := splitResourcePath(r.URL.Path, "/api/videos/")
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch {
		case rest == "" && r.Method == http.MethodGet:
			handler.OptionalAuth(idHandler(id, handler.GetVideo))(w, r)
		case rest == "" && r.Method == http.MethodPut:
			handler.RequireAuth(idHandler(id, handler.UpdateVideo))(w, r)
		case rest == "" && r.Method == http.MethodDelete:
			handler.RequireAuth(idHandler(id, handler.DeleteVideo))(w, r)
		case rest == "status" && r.Method == http.MethodGet:
			handler.RequireAuth(idHandler(id, handler.VideoStatus))(w, r)
		case rest == "reprocess" && r.Method == http.MethodPost:
			handler.RequireAuth(idHandler(id, handler.ReprocessVideo))(w, r)
		case rest == "sensitivity" && r.Method == http.MethodPatch:
			handler.RequireAuth(idHandler(id, handler.ReviewSensitivity))(w, r)
		default:
			http.NotFound(w, r)
		}
	}
}

// streamItemHandler dispatches /api/stream/{id} and /api/stream/{id}/thumbnail.
func streamItemHandler(handler *api.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, rest, ok := splitResourcePath(r.URL.Path, "/api/stream/")
		if !ok || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}

		switch rest {
		case "":
			handler.OptionalAuth(idHandler(id, handler.StreamVideo))(w, r)
		case "thumbnail":
			handler.OptionalAuth(idHandler(id, handler.StreamThumbnail))(w, r)
		default:
			http.NotFound(w, r)
		}
	}
}

// splitResourcePath strips prefix from path and splits the remainder into
// an id and an optional trailing sub-resource name ("", "status",
// "reprocess", ...). It rejects empty ids and anything nested deeper than
// one extra segment.
func splitResourcePath(path, prefix string) (id string, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, prefix)
	if trimmed == path || trimmed == "" {
		return "", "", false
	}
	segments := strings.SplitN(strings.Trim(trimmed, "/"), "/", 2)
	if segments[0] == "" {
		return "", "", false
	}
	if len(segments) == 2 && strings.Contains(segments[1], "/") {
		return "", "", false
	}
	if len(segments) == 2 {
		return segments[0], segments[1], true
	}
	return segments[0], "", true
}

func idHandler(id string, fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, id)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := sr.ResponseWriter.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

func (sr *statusRecorder) CloseNotify() <-chan bool {
	if notifier, ok := sr.ResponseWriter.(http.CloseNotifier); ok {
		return notifier.CloseNotify()
	}
	return nil
}

func (sr *statusRecorder) ReadFrom(r io.Reader) (int64, error) {
	if readerFrom, ok := sr.ResponseWriter.(io.ReaderFrom); ok {
		return readerFrom.ReadFrom(r)
	}
	return io.Copy(sr.ResponseWriter, r)
}

func loggingMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)
		requestLogger := loggingWithRequest(logger, resolver, r)
		if requestLogger == nil {
			requestLogger = logger
		}
		requestLogger.Info("request completed",
			"method", r.Method,
			"status", recorder.status,
			"duration_ms", duration.Milliseconds())
	})
}

// recoveryMiddleware converts a handler panic into a 500 response instead
// of letting it take down the process. If the handler already started
// writing a response the WriteHeader below is a no-op and the connection is
// simply dropped.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if logger != nil {
					logger.Error("panic recovered",
						"panic", fmt.Sprintf("%v", rec),
						"method", r.Method,
						"path", r.URL.Path)
				}
				writeMiddlewareError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// maxBytesMiddleware caps every request body so no handler -- including the
// multipart copy in the Upload Handler -- can read more than maxBytes from
// a client. Reads past the cap fail with *http.MaxBytesError, which the
// Upload Handler maps to 413.
func maxBytesMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// subjectResolver reports the verified subject id carried by a request's
// access token, if any. Supplied by api.Handler.SubjectKey so the rate
// limiter can key authenticated traffic by subject before route-level auth
// has run.
type subjectResolver func(*http.Request) (string, bool)

// clientIdentity keys a request by verified subject when authenticated and
// by client IP otherwise, per spec.md 4.10's "IP for unauthenticated,
// subject for authenticated". The prefixes keep the two namespaces from
// colliding.
func clientIdentity(r *http.Request, resolver *clientIPResolver, subject subjectResolver) (string, bool) {
	if subject != nil {
		if id, ok := subject(r); ok {
			return "sub:" + id, true
		}
	}
	ip, _ := resolveClientIP(r, resolver)
	return "ip:" + ip, false
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, subject subjectResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := clientIdentity(r, resolver, subject)
		if !rl.AllowRequest(identity) {
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		category, key := rateLimitCategory(r, resolver, identity)
		if category != "" {
			allowed, retryAfter, err := rl.AllowCategory(category, key)
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err, "category", category)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if logger != nil {
					logger.Warn("rate limited", "category", category)
				}
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitCategory assigns a request to the auth, upload, or no category,
// per spec.md 6's "separate, stricter limits on authentication and upload
// endpoints". Auth endpoints are by nature pre-authentication, so they key
// on client IP; uploads require an authenticated editor, so they key on the
// caller's identity (subject when the token is valid, IP otherwise).
func rateLimitCategory(r *http.Request, resolver *clientIPResolver, identity string) (string, string) {
	switch {
	case r.Method == http.MethodPost && (r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/register"):
		ip, _ := resolveClientIP(r, resolver)
		return rateLimitCategoryAuth, "ip:" + ip
	case r.Method == http.MethodPost && r.URL.Path == "/api/videos":
		return rateLimitCategoryUpload, identity
	default:
		return "", ""
	}
}

func auditMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		if !shouldAudit(r) {
			return
		}
		duration := time.Since(start)
		ip, source := resolveClientIP(r, resolver)
		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration_ms", duration.Milliseconds(),
			"remote_ip", ip,
			"ip_source", source,
		}
		if subject, ok := api.SubjectFromContext(r.Context()); ok {
			fields = append(fields, "subject_id", subject.ID, "tenant_id", subject.TenantID)
		}
		logger.Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceXForwardedFor = "x_forwarded_for"
	ipSourceXRealIP       = "x_real_ip"
)

type clientIPResolver struct {
	trustForwarded bool
	trustedNets    []*net.IPNet
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustForwarded: cfg.TrustForwardedHeaders}
	for _, raw := range cfg.TrustedProxies {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(trimmed); err == nil {
			resolver.trustedNets = append(resolver.trustedNets, network)
			continue
		}
		ip := net.ParseIP(trimmed)
		if ip == nil {
			return nil, fmt.Errorf("parse trusted proxy %q: invalid address", trimmed)
		}
		maskSize := 128
		if ip.To4() != nil {
			maskSize = 32
		}
		resolver.trustedNets = append(resolver.trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(maskSize, maskSize)})
	}
	return resolver, nil
}

func (r *clientIPResolver) ClientIPFromRequest(req *http.Request) (string, string) {
	if req == nil {
		return "", ipSourceRemoteAddr
	}
	if r != nil && r.shouldTrust(req.RemoteAddr) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for _, part := range parts {
				trimmed := strings.TrimSpace(part)
				if trimmed != "" {
					return trimmed, ipSourceXForwardedFor
				}
			}
		}
		if xrip := strings.TrimSpace(req.Header.Get("X-Real-IP")); xrip != "" {
			return xrip, ipSourceXRealIP
		}
	}
	return clientIP(req.RemoteAddr), ipSourceRemoteAddr
}

func (r *clientIPResolver) shouldTrust(remoteAddr string) bool {
	if r == nil {
		return false
	}
	if r.trustForwarded {
		return true
	}
	if len(r.trustedNets) == 0 {
		return false
	}
	host := clientIP(remoteAddr)
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range r.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func resolveClientIP(r *http.Request, resolver *clientIPResolver) (string, string) {
	if resolver == nil {
		return clientIP(r.RemoteAddr), ipSourceRemoteAddr
	}
	return resolver.ClientIPFromRequest(r)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
