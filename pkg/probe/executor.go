package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Moyucharm/model-check/pkg/models"
)

// DefaultTimeout bounds a single probe including connect, TLS, headers and
// body read.
const DefaultTimeout = 30 * time.Second

// responseCaptureLimit is how much of a successful response body is kept.
const responseCaptureLimit = 2048

// responseReadLimit bounds how much of the body is read for parsing.
const responseReadLimit = 1 << 20

// errorCaptureLimit is how much of an upstream error body is kept.
const errorCaptureLimit = 512

// Executor performs single HTTP probes. Proxy clients are cached by URL for
// the lifetime of the process.
type Executor struct {
	cache   *clientCache
	timeout time.Duration
}

// NewExecutor creates an executor with the default probe timeout.
func NewExecutor() *Executor {
	return &Executor{cache: newClientCache(), timeout: DefaultTimeout}
}

// NewExecutorWithTimeout creates an executor with a custom timeout.
// Used by tests and by callers probing slow upstreams.
func NewExecutorWithTimeout(timeout time.Duration) *Executor {
	return &Executor{cache: newClientCache(), timeout: timeout}
}

// ClientFor exposes the cached HTTP client for a proxy URL so other
// upstream calls (the model-list sync) share the same proxy handling.
func (e *Executor) ClientFor(proxyURL string) (*http.Client, error) {
	return e.cache.clientFor(proxyURL)
}

// Execute runs one probe and returns its outcome. It never returns an
// error: every failure mode maps to a fail outcome with a canonical
// message. The context is honored at connect, during headers, and during
// body read.
func (e *Executor) Execute(ctx context.Context, job *models.ProbeJob) *models.ProbeOutcome {
	req, err := BuildRequest(job.BaseURL, job.APIKey, job.ModelName, job.Kind)
	if err != nil {
		return &models.ProbeOutcome{Kind: job.Kind, Status: models.ProbeFail, ErrorMsg: err.Error()}
	}

	client, err := e.cache.clientFor(job.ProxyURL)
	if err != nil {
		return &models.ProbeOutcome{Kind: job.Kind, Status: models.ProbeFail, ErrorMsg: err.Error()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return &models.ProbeOutcome{Kind: job.Kind, Status: models.ProbeFail, ErrorMsg: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return &models.ProbeOutcome{
			Kind:      job.Kind,
			Status:    models.ProbeFail,
			LatencyMs: time.Since(start).Milliseconds(),
			ErrorMsg:  classifyTransportError(ctx, err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &models.ProbeOutcome{
			Kind:       job.Kind,
			Status:     models.ProbeFail,
			LatencyMs:  latency,
			HTTPStatus: resp.StatusCode,
			ErrorMsg:   classifyTransportError(ctx, err),
		}
	}

	status, errMsg := ParseOutcome(job.Kind, resp.StatusCode, body)
	return &models.ProbeOutcome{
		Kind:            job.Kind,
		Status:          status,
		LatencyMs:       latency,
		HTTPStatus:      resp.StatusCode,
		ErrorMsg:        errMsg,
		ResponseContent: truncate(string(body), responseCaptureLimit),
	}
}

// classifyTransportError maps transport failures onto short canonical
// strings. The parent context distinguishes cancellation from timeout.
func classifyTransportError(parent context.Context, err error) string {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return "cancel"
	case errors.Is(err, context.Canceled):
		return "cancel"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns failure"
	}

	var tlsRecordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &tlsRecordErr) || errors.As(err, &certErr) {
		return "tls error"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection refused"
	case strings.Contains(msg, "no such host"):
		return "dns failure"
	case strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:"):
		return "tls error"
	default:
		return truncate(msg, errorCaptureLimit)
	}
}
