package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"creditline/core"
	"creditline/observability"
	"creditline/rpc/modules"
)

// AuthTokenEnv names the environment variable consulted for the bearer token
// when the configuration leaves it empty.
const AuthTokenEnv = "CREDIT_RPC_TOKEN"

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	rateLimitWindow       = time.Minute
	maxSubmitPerWindow    = 5
	rateLimiterStaleAfter = 10 * time.Minute
	rateLimiterMaxEntries = 1024
	maxForwardedForAddrs  = 16

	submitSeenTTL = 15 * time.Minute
)

const (
	codeParseError          = -32700
	codeInvalidRequest      = -32600
	codeMethodNotFound      = -32601
	codeInvalidParams       = -32602
	codeUnauthorized        = -32001
	codeServerError         = -32000
	codeDuplicateSubmission = -32010
	codeRateLimited         = -32020
)

type rateLimiter struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

type submissionStamp struct {
	key  string
	seen time.Time
}

// ServerConfig carries the transport knobs for the JSON-RPC server. The zero
// value requires TLS material before Serve accepts a listener.
type ServerConfig struct {
	// AuthToken guards the admin methods. Falls back to AuthTokenEnv.
	AuthToken string
	// TrustedProxies lists proxy addresses whose X-Forwarded-For header is
	// honoured when resolving the client source.
	TrustedProxies []string
	// TrustProxyHeaders honours X-Forwarded-For from any peer. Only safe when
	// the listener is reachable exclusively through a proxy.
	TrustProxyHeaders bool
	// AllowInsecure permits serving plaintext HTTP on loopback interfaces.
	AllowInsecure bool
	TLSCertFile   string
	TLSKeyFile    string
	// SubmitPerWindow caps signed-instruction submissions per source per
	// window. Zero applies the default.
	SubmitPerWindow int
}

// Server hosts the JSON-RPC transport over a credit ledger. Admin methods
// require the bearer token; signed-instruction methods are rate limited and
// deduplicated per source instead.
type Server struct {
	ledger *core.Ledger
	credit *modules.CreditModule
	log    *slog.Logger

	mu              sync.Mutex
	rateLimiters    map[string]*rateLimiter
	submitSeen      map[string]time.Time
	submitQueue     []submissionStamp
	authToken       string
	trustedProxies  map[string]struct{}
	trustProxy      bool
	allowInsecure   bool
	tlsCertFile     string
	tlsKeyFile      string
	submitPerWindow int

	serverMu   sync.Mutex
	httpServer *http.Server
}

// NewServer wires the transport to a ledger. A nil logger falls back to the
// process default.
func NewServer(ledger *core.Ledger, log *slog.Logger, cfg ServerConfig) *Server {
	if log == nil {
		log = slog.Default()
	}
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(AuthTokenEnv))
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		if host := canonicalSource(proxy); host != "" {
			trusted[host] = struct{}{}
		}
	}
	submitPerWindow := cfg.SubmitPerWindow
	if submitPerWindow <= 0 {
		submitPerWindow = maxSubmitPerWindow
	}
	return &Server{
		ledger:          ledger,
		credit:          modules.NewCreditModule(ledger),
		log:             log,
		rateLimiters:    make(map[string]*rateLimiter),
		submitSeen:      make(map[string]time.Time),
		authToken:       token,
		trustedProxies:  trusted,
		trustProxy:      cfg.TrustProxyHeaders,
		allowInsecure:   cfg.AllowInsecure,
		tlsCertFile:     strings.TrimSpace(cfg.TLSCertFile),
		tlsKeyFile:      strings.TrimSpace(cfg.TLSKeyFile),
		submitPerWindow: submitPerWindow,
	}
}

// Handler returns the HTTP mux: JSON-RPC at the root plus health, metrics and
// the websocket event feed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

// Serve runs the server on the supplied listener. Plaintext listeners are
// rejected unless AllowInsecure is set, and even then only on loopback
// interfaces.
func (s *Server) Serve(listener net.Listener) error {
	if listener == nil {
		return fmt.Errorf("rpc: listener required")
	}
	useTLS := s.tlsCertFile != "" && s.tlsKeyFile != ""
	if !useTLS {
		if !s.allowInsecure {
			return fmt.Errorf("rpc: TLS is required; set AllowInsecure to serve plaintext on loopback")
		}
		if !listenerOnLoopback(listener) {
			return fmt.Errorf("rpc: plaintext listeners must bind a loopback address")
		}
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	if useTLS {
		return srv.ServeTLS(listener, s.tlsCertFile, s.tlsKeyFile)
	}
	return srv.Serve(listener)
}

// Start listens on addr and serves until the listener closes or Shutdown is
// called.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	s.log.Info("json-rpc server listening", "addr", listener.Addr().String())
	return s.Serve(listener)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func listenerOnLoopback(listener net.Listener) bool {
	tcp, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcp.IP.IsLoopback()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// responseRecorder captures the JSON-RPC error code written by a handler so
// the dispatcher can label its metrics.
type responseRecorder struct {
	http.ResponseWriter
	errCode int
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if rec, ok := w.(*responseRecorder); ok {
		rec.errCode = code
	}
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle reads one JSON-RPC request, dispatches it and records the outcome.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &responseRecorder{ResponseWriter: w}
	method := s.dispatch(rec, r)
	if method == "" {
		method = "invalid"
	}
	observability.RPC().ObserveRequest(method, rec.errCode, time.Since(started))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) string {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return ""
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return ""
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return ""
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return ""
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return ""
	}

	switch req.Method {
	case "credit_open":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return req.Method
		}
		s.handleCreditOpen(w, r, req)
	case "credit_updateParameters":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return req.Method
		}
		s.handleCreditUpdateParameters(w, r, req)
	case "credit_suspend":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return req.Method
		}
		s.handleCreditSuspend(w, r, req)
	case "credit_close":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return req.Method
		}
		s.handleCreditClose(w, r, req)
	case "credit_default":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return req.Method
		}
		s.handleCreditDefault(w, r, req)
	case "credit_setPause":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return req.Method
		}
		s.handleCreditSetPause(w, r, req)
	case "credit_draw":
		s.handleCreditDraw(w, r, req)
	case "credit_repay":
		s.handleCreditRepay(w, r, req)
	case "credit_closeWithSig":
		s.handleCreditCloseWithSig(w, r, req)
	case "credit_get":
		s.handleCreditGet(w, r, req)
	case "credit_nonce":
		s.handleCreditNonce(w, r, req)
	case "credit_balance":
		s.handleCreditBalance(w, r, req)
	case "credit_listEvents":
		s.handleCreditListEvents(w, r, req)
	case "credit_status":
		s.handleCreditStatus(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
	return req.Method
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	bootstrapped := s.ledger != nil && s.ledger.Bootstrapped()
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"bootstrapped": bootstrapped,
	})
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// allowSource admits one submission for the source within the current window.
// Stale limiter entries are evicted on the way in and the map is capped, so a
// churn of spoofed sources cannot grow it without bound.
func (s *Server) allowSource(source string, now time.Time) bool {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictStaleLimitersLocked(now)
	limiter, ok := s.rateLimiters[source]
	if !ok {
		if len(s.rateLimiters) >= rateLimiterMaxEntries {
			s.evictOldestLimiterLocked()
		}
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	limiter.lastSeen = now
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= s.submitPerWindow {
		return false
	}
	limiter.count++
	return true
}

func (s *Server) evictStaleLimitersLocked(now time.Time) {
	for source, limiter := range s.rateLimiters {
		if now.Sub(limiter.lastSeen) > rateLimiterStaleAfter {
			delete(s.rateLimiters, source)
		}
	}
}

func (s *Server) evictOldestLimiterLocked() {
	var (
		oldestSource string
		oldestSeen   time.Time
		found        bool
	)
	for source, limiter := range s.rateLimiters {
		if !found || limiter.lastSeen.Before(oldestSeen) {
			oldestSource = source
			oldestSeen = limiter.lastSeen
			found = true
		}
	}
	if found {
		delete(s.rateLimiters, oldestSource)
	}
}

// rememberSubmission records an instruction digest and reports whether it was
// fresh. Entries expire after submitSeenTTL; failed operations release their
// entry so honest retries are not mistaken for replays.
func (s *Server) rememberSubmission(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneSubmissionsLocked(now)
	if _, exists := s.submitSeen[key]; exists {
		return false
	}
	s.submitSeen[key] = now
	s.submitQueue = append(s.submitQueue, submissionStamp{key: key, seen: now})
	return true
}

func (s *Server) releaseSubmission(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.submitSeen, key)
}

func (s *Server) pruneSubmissionsLocked(now time.Time) {
	drop := 0
	for drop < len(s.submitQueue) {
		head := s.submitQueue[drop]
		seen, ok := s.submitSeen[head.key]
		if ok && seen.Equal(head.seen) {
			if now.Sub(seen) <= submitSeenTTL {
				break
			}
			delete(s.submitSeen, head.key)
		}
		drop++
	}
	if drop > 0 {
		s.submitQueue = append(s.submitQueue[:0], s.submitQueue[drop:]...)
	}
}

// clientSource resolves the address rate limiting keys on. X-Forwarded-For is
// only honoured when the direct peer is a trusted proxy, otherwise a spoofed
// header would let one peer pose as many clients.
func (s *Server) clientSource(r *http.Request) string {
	host := canonicalSource(r.RemoteAddr)
	if !s.trustProxy && !s.isTrustedProxy(host) {
		return host
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return host
	}
	parts := strings.Split(forwarded, ",")
	if len(parts) > maxForwardedForAddrs {
		return host
	}
	for _, part := range parts {
		if candidate := canonicalSource(part); candidate != "" {
			return candidate
		}
	}
	return host
}

func (s *Server) isTrustedProxy(host string) bool {
	_, ok := s.trustedProxies[host]
	return ok
}

func canonicalSource(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		host = strings.TrimSpace(host)
		if host != "" {
			return host
		}
	}
	return trimmed
}
