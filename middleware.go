package admission

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	_ http.Handler = &httpRateLimiterHandler{}
	_ Extractor    = &httpHeaderExtractor{}
	_ Extractor    = &clientIPExtractor{}
)

const (
	rateLimitingRemaining = "Rate-Limiting-Remaining"
	rateLimitingState     = "Rate-Limiting-State"
	rateLimitingExpiresAt = "Rate-Limiting-Expires-At"
	retryAfterHeader      = "Retry-After"
)

// Extractor extracts a tenant key from an HTTP request for rate limiting.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

type httpHeaderExtractor struct {
	headers []string
}

// Extract extracts values from HTTP headers to build the key.
func (h *httpHeaderExtractor) Extract(r *http.Request) (string, error) {
	values := make([]string, 0, len(h.headers))

	for _, key := range h.headers {
		// if we can't find a value for a header we should return an error
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			values = append(values, value)
		} else {
			return "", fmt.Errorf("header %v must have a value set", key)
		}
	}

	return strings.Join(values, "-"), nil
}

// NewHttpHeaderExtractor creates a new Extractor.
func NewHttpHeaderExtractor(headers ...string) Extractor {
	return &httpHeaderExtractor{headers: headers}
}

type clientIPExtractor struct {
	trustForwarded bool
}

// Extract returns the client address with ':' replaced so it is a valid tenant name.
func (c *clientIPExtractor) Extract(r *http.Request) (string, error) {
	if c.trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return tenantFromIP(ip), nil
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("remote address %q is not an IP", r.RemoteAddr)
	}
	return tenantFromIP(ip), nil
}

// NewClientIPExtractor creates an Extractor keyed by client IP. With
// trustForwarded, the first X-Forwarded-For entry wins over the socket address;
// enable it only behind a proxy that sets the header.
func NewClientIPExtractor(trustForwarded bool) Extractor {
	return &clientIPExtractor{trustForwarded: trustForwarded}
}

func tenantFromIP(ip net.IP) string {
	return strings.ReplaceAll(ip.String(), ":", "_")
}

// RateLimiterConfig holds configuration for rate limiting.
type RateLimiterConfig struct {
	Extractor Extractor
	Gate      *Gate
	// DetectBots scores request headers and doubles the cost of automated clients.
	DetectBots bool
}

type httpRateLimiterHandler struct {
	handler http.Handler
	config  *RateLimiterConfig
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler and performs rate limiting before forwarding the
// request to the API
func NewHTTPRateLimiterHandler(originalHandler http.Handler, config *RateLimiterConfig) http.Handler {
	return &httpRateLimiterHandler{
		handler: originalHandler,
		config:  config,
	}
}

// ServeHTTP performs rate limiting and forwards the request if allowed.
func (h *httpRateLimiterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, err := h.config.Extractor.Extract(r)
	if err != nil {
		WriteError(w, ValidationError("failed to extract rate limiting key from request"))
		return
	}

	var headers http.Header
	if h.config.DetectBots {
		headers = r.Header
	}

	result, err := h.config.Gate.Admit(r.Context(), key, headers)
	if result != nil {
		setRateLimitHeaders(w, result)
	}
	if err != nil {
		WriteError(w, err)
		return
	}

	h.handler.ServeHTTP(w, r)
}

func setRateLimitHeaders(w http.ResponseWriter, result *CheckResult) {
	state := Deny
	if result.Allowed {
		state = Allow
	}
	w.Header().Set(rateLimitingState, state.String())

	if !math.IsInf(result.RemainingTokens, 1) {
		w.Header().Set(rateLimitingRemaining, strconv.FormatFloat(result.RemainingTokens, 'f', -1, 64))
	}
	if !result.ResetTime.IsZero() {
		w.Header().Set(rateLimitingExpiresAt, result.ResetTime.UTC().Format(time.RFC3339))
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes err as a JSON {code, message} body with the status of its
// kind. Errors that are not an *Error are written as a generic 500 so their
// text never reaches the client.
func WriteError(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: "INTERNAL_ERROR", Message: "internal error"}
	}

	if e.Kind == KindRateLimitExceeded && e.RetryAfter > 0 {
		w.Header().Set(retryAfterHeader, strconv.Itoa(retryAfterSeconds(e.RetryAfter)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode())
	// Headers are already sent, so a failed body write is dropped.
	_ = json.NewEncoder(w).Encode(errorBody{Code: e.Code, Message: e.Message})
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
