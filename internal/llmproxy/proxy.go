package llmproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// maxSniffBytes bounds how much of a request or response body is buffered
// to extract the model name and usage cost.
const maxSniffBytes = 1 << 20

// Forwarder is the reverse proxy in front of the upstream LLM endpoint.
// It strips whatever authorization the sandbox sent, injects the real
// credential, tags each call with the billing account, and appends one
// audit entry per forwarded request.
type Forwarder struct {
	upstream         *url.URL
	apiKey           string
	billingAccountID string
	audit            *AuditWriter
	logger           *slog.Logger
	proxy            *httputil.ReverseProxy
}

type requestState struct {
	requestID string
	model     string
	costUSD   float64
}

type stateKey struct{}

// replayBody stitches an already-sniffed prefix back onto the live body so
// the remainder streams through without being buffered.
type replayBody struct {
	io.Reader
	io.Closer
}

// NewForwarder builds a Forwarder. The apiKey is the real upstream
// credential; it is injected here and nowhere else.
func NewForwarder(upstream *url.URL, apiKey, billingAccountID string, audit *AuditWriter, logger *slog.Logger) *Forwarder {
	f := &Forwarder{
		upstream:         upstream,
		apiKey:           apiKey,
		billingAccountID: billingAccountID,
		audit:            audit,
		logger:           logger,
	}
	f.proxy = &httputil.ReverseProxy{
		Director:       f.direct,
		ModifyResponse: f.recordResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream call failed",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	return f
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	state := &requestState{
		requestID: uuid.New().String(),
		model:     sniffModel(r),
	}
	r = r.WithContext(context.WithValue(r.Context(), stateKey{}, state))

	f.proxy.ServeHTTP(w, r)

	entry := AuditEntry{
		BillingAccountID: f.billingAccountID,
		RequestID:        state.requestID,
		Model:            state.model,
		CostUSD:          state.costUSD,
		DurationMs:       time.Since(start).Milliseconds(),
		Timestamp:        start.UTC(),
	}
	if err := f.audit.Append(entry); err != nil {
		f.logger.Error("audit append failed", slog.String("error", err.Error()))
	}
}

// direct rewrites the request for the upstream. Anything the sandbox sent
// for authorization is dropped before the real credential goes on.
func (f *Forwarder) direct(r *http.Request) {
	r.URL.Scheme = f.upstream.Scheme
	r.URL.Host = f.upstream.Host
	r.Host = f.upstream.Host

	r.Header.Del("Authorization")
	r.Header.Del("X-Api-Key")
	r.Header.Del("Cookie")
	r.Header.Set("Authorization", "Bearer "+f.apiKey)
	r.Header.Set("X-Ngome-Billing-Account", f.billingAccountID)

	if state, ok := r.Context().Value(stateKey{}).(*requestState); ok {
		r.Header.Set("X-Ngome-Request-Id", state.requestID)
	}
}

// recordResponse pulls the usage cost out of the upstream response, from
// the X-Usage-Cost header or a JSON usage block, and restores the body for
// the client.
func (f *Forwarder) recordResponse(resp *http.Response) error {
	state, ok := resp.Request.Context().Value(stateKey{}).(*requestState)
	if !ok {
		return nil
	}

	if h := resp.Header.Get("X-Usage-Cost"); h != "" {
		var cost float64
		if err := json.Unmarshal([]byte(h), &cost); err == nil {
			state.costUSD = cost
			return nil
		}
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "application/json" && !bytes.HasPrefix([]byte(ct), []byte("application/json;")) {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSniffBytes))
	if err != nil {
		return err
	}
	resp.Body = replayBody{
		Reader: io.MultiReader(bytes.NewReader(body), resp.Body),
		Closer: resp.Body,
	}

	var payload struct {
		Model string `json:"model"`
		Usage struct {
			Cost    float64 `json:"cost"`
			CostUSD float64 `json:"cost_usd"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil // not a usage-bearing body, nothing to record
	}
	if payload.Model != "" {
		state.model = payload.Model
	}
	if payload.Usage.CostUSD > 0 {
		state.costUSD = payload.Usage.CostUSD
	} else if payload.Usage.Cost > 0 {
		state.costUSD = payload.Usage.Cost
	}
	return nil
}

// sniffModel extracts the model field from a JSON request body without
// consuming it.
func sniffModel(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSniffBytes))
	if err != nil {
		return ""
	}
	r.Body = replayBody{
		Reader: io.MultiReader(bytes.NewReader(body), r.Body),
		Closer: r.Body,
	}

	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Model
}
