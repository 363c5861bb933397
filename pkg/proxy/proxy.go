// Package proxy is the upstream-facing HTTP server. It admits end users
// against their quota, forwards each request with a pool credential and
// reports what the upstream said about that credential.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pario-ai/keypool/pkg/config"
	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/pool"
	"github.com/pario-ai/keypool/pkg/quota"
)

// Upstream response bodies larger than this are not inspected for error
// markers.
const maxErrorBody = 64 << 10

// Server is the keypool reverse proxy.
type Server struct {
	cfg       *config.Config
	pool      *pool.Coordinator
	admission *quota.Admission
	client    *http.Client
	mux       *http.ServeMux
}

// New creates a proxy Server. A nil admission disables quota checks.
func New(cfg *config.Config, p *pool.Coordinator, a *quota.Admission) *Server {
	s := &Server{
		cfg:       cfg,
		pool:      p,
		admission: a,
		client:    &http.Client{Timeout: cfg.Upstream.Timeout},
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("/v1/messages", s.handleMessages)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// Mount serves h under pattern next to the proxy routes.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the proxy server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("keypool proxy listening", "addr", s.cfg.Listen, "upstream", s.cfg.Upstream.URL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, "/v1/chat/completions", "openai")
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, "/v1/messages", "anthropic")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.pool.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "pool stats unavailable")
		return
	}
	code := http.StatusOK
	status := "ok"
	if st.Healthy == 0 {
		code = http.StatusServiceUnavailable
		status = "depleted"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "pool": st})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request, path, format string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userKey := extractAPIKey(r)
	if s.admission != nil && userKey == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var req models.RequestEnvelope
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if s.admission != nil {
		if err := s.admission.Check(r.Context(), userKey); err != nil {
			code := pool.HTTPStatus(err)
			if code == http.StatusInternalServerError {
				logger.Error("quota check failed", "error", err)
				writeJSONError(w, code, "quota check failed")
				return
			}
			writeJSONError(w, code, admissionMessage(err))
			return
		}
	}

	proxyID := r.Header.Get("X-Keypool-Proxy")
	if proxyID == "" {
		proxyID = s.pool.Selector().ProxyFor(req.Model)
	}

	call := &upstreamCall{
		server: s,
		w:      w,
		r:      r,
		path:   path,
		format: format,
		body:   body,
		model:  req.Model,
		stream: req.Stream,
	}
	err = s.pool.Do(r.Context(), proxyID, userKey, call.do)
	if err == nil || call.committed {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, pool.ErrPoolDepleted) {
		logger.Warn("request failed on every credential", "proxy_id", proxyID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "no upstream credential available")
		return
	}
	logger.Error("upstream request failed", "proxy_id", proxyID, "error", err)
	writeJSONError(w, http.StatusBadGateway, "upstream request failed")
}

func admissionMessage(err error) string {
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "token quota exceeded"
	case errors.Is(err, quota.ErrPlanExpired):
		return "plan expired"
	case errors.Is(err, quota.ErrAccountInactive):
		return "account disabled"
	default:
		return "unknown API key"
	}
}

// upstreamCall is one client request being tried against successive
// credentials. committed is set once a response has been written to the
// client; after that no other credential may be tried.
type upstreamCall struct {
	server    *Server
	w         http.ResponseWriter
	r         *http.Request
	path      string
	format    string
	body      []byte
	model     string
	stream    bool
	committed bool
}

func (c *upstreamCall) do(ctx context.Context, h pool.Handle) (models.Outcome, error) {
	s := c.server
	start := time.Now()
	out := models.Outcome{Model: c.model}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(s.cfg.Upstream.URL, "/")+c.path, bytes.NewReader(c.body))
	if err != nil {
		return out, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.setAuth(req, h.Secret)
	if v := c.r.Header.Get("anthropic-version"); v != "" {
		req.Header.Set("anthropic-version", v)
	}
	if c.stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		out.LatencyMs = time.Since(start).Milliseconds()
		out.ErrorKind = models.ErrorUpstream
		if isTimeout(err) {
			out.ErrorKind = models.ErrorTimeout
		}
		out.Reason = err.Error()
		return out, err
	}
	defer resp.Body.Close()
	out.StatusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		out.LatencyMs = time.Since(start).Milliseconds()
		out.ErrorKind = pool.Classify(resp.StatusCode, errBody)
		if pool.Retryable(out.ErrorKind) {
			out.RetryAfterSeconds = retryAfter(resp.Header, time.Now())
			out.Reason = fmt.Sprintf("upstream status %d", resp.StatusCode)
			logger.Warn("upstream rejected credential", "handle", h, "status", resp.StatusCode, "kind", out.ErrorKind)
			return out, nil
		}
		// Not about the credential: hand the upstream's answer to the client.
		c.commit(resp.Header, resp.StatusCode)
		_, _ = c.w.Write(errBody)
		return out, nil
	}

	var usage *models.Usage
	if c.stream {
		c.commit(resp.Header, resp.StatusCode)
		res, err := streamSSEResponse(c.w, resp.Body, c.format)
		if err != nil {
			logger.Warn("streaming error", "handle", h, "error", err)
		}
		usage = res.usage
		if res.model != "" {
			out.Model = res.model
		}
	} else {
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			out.LatencyMs = time.Since(start).Milliseconds()
			out.ErrorKind = models.ErrorUpstream
			out.Reason = "read response: " + err.Error()
			return out, fmt.Errorf("read response: %w", err)
		}
		var model string
		usage, model = extractUsage(c.format, respBody)
		if model != "" {
			out.Model = model
		}
		c.commit(resp.Header, resp.StatusCode)
		_, _ = c.w.Write(respBody)
	}

	out.Success = true
	out.LatencyMs = time.Since(start).Milliseconds()
	if usage != nil {
		out.Tokens = int64(usage.TotalTokens)
	}
	return out, nil
}

func (c *upstreamCall) commit(header http.Header, code int) {
	for k, vals := range header {
		if k == "Content-Length" && c.stream {
			continue
		}
		for _, v := range vals {
			c.w.Header().Add(k, v)
		}
	}
	c.w.WriteHeader(code)
	c.committed = true
}

func (s *Server) setAuth(req *http.Request, secret string) {
	if s.cfg.Upstream.Type == "anthropic" {
		req.Header.Set("x-api-key", secret)
		return
	}
	req.Header.Set("Authorization", "Bearer "+secret)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date. It returns 0 when absent or unparseable.
func retryAfter(h http.Header, now time.Time) int {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return int(d.Round(time.Second) / time.Second)
		}
	}
	return 0
}

// extractUsage reads token usage from a non-streaming response body.
func extractUsage(format string, body []byte) (*models.Usage, string) {
	switch format {
	case "anthropic":
		var resp models.AnthropicResponse
		if err := json.Unmarshal(body, &resp); err == nil && resp.Usage != nil {
			return resp.Usage.ToUsage(), resp.Model
		}
	default:
		var resp models.OpenAIResponse
		if err := json.Unmarshal(body, &resp); err == nil {
			return resp.Usage, resp.Model
		}
	}
	return nil, ""
}

// streamResult holds accumulated data from an SSE stream.
type streamResult struct {
	usage *models.Usage
	model string
}

// streamSSEResponse relays an SSE stream from body to w, extracting usage data.
func streamSSEResponse(w http.ResponseWriter, body io.Reader, format string) (*streamResult, error) {
	flusher, _ := w.(http.Flusher)
	result := &streamResult{}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)

		// Flush on blank lines (SSE event boundary)
		if line == "" && flusher != nil {
			flusher.Flush()
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			continue
		}

		switch format {
		case "openai":
			var chunk models.OpenAIResponse
			if err := json.Unmarshal([]byte(data), &chunk); err == nil {
				if chunk.Model != "" {
					result.model = chunk.Model
				}
				if chunk.Usage != nil {
					result.usage = chunk.Usage
				}
			}
		case "anthropic":
			var evt models.AnthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				continue
			}
			switch evt.Type {
			case "message_start":
				var msg models.AnthropicResponse
				if err := json.Unmarshal(evt.Message, &msg); err == nil {
					if msg.Model != "" {
						result.model = msg.Model
					}
					if msg.Usage != nil {
						result.usage = msg.Usage.ToUsage()
					}
				}
			case "message_delta":
				if evt.Usage != nil {
					if result.usage == nil {
						result.usage = &models.Usage{}
					}
					result.usage.CompletionTokens = evt.Usage.OutputTokens
					result.usage.TotalTokens = result.usage.PromptTokens + evt.Usage.OutputTokens
				}
			}
		}
	}

	if flusher != nil {
		flusher.Flush()
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading stream: %w", err)
	}
	return result, nil
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"keypool_error","code":%d}}`, message, code)
}
