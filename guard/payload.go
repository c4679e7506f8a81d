package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aryangodara/admission"
)

// Payload limits.
const (
	DefaultMaxBodyBytes = 1 << 20
	MaxRiskFlags        = 32
	MaxRiskFlagLength   = 64
)

// Payload is the only shape the guard accepts. Any other field is rejected.
type Payload struct {
	Content      string   `json:"content"`
	RiskFlags    []string `json:"riskFlags,omitempty"`
	RiskOverride bool     `json:"riskOverride,omitempty"`
	UserID       string   `json:"userId,omitempty"`
	IP           string   `json:"ip,omitempty"`
}

// payloadFields are the only top-level keys a Payload body may carry, matched
// exactly.
var payloadFields = []string{"content", "riskFlags", "riskOverride", "userId", "ip"}

// DecodePayload reads a single JSON object of at most maxBytes from r.
// maxBytes <= 0 uses DefaultMaxBodyBytes.
func DecodePayload(r io.Reader, maxBytes int64) (*Payload, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, admission.ValidationError("failed to read request body")
	}
	if int64(len(data)) > maxBytes {
		return nil, admission.ValidationError(fmt.Sprintf("request body exceeds %d bytes", maxBytes))
	}

	if err := checkKeys(data); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, admission.ValidationError(decodeMessage(err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, admission.ValidationError("request body must contain a single JSON object")
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// checkKeys walks the top-level object of data. encoding/json matches field
// names case-insensitively and keeps the last duplicate, so every key must be
// an exact member of payloadFields and appear once.
func checkKeys(data []byte) *admission.Error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return admission.ValidationError(decodeMessage(err))
	}
	if tok != json.Delim('{') {
		return admission.ValidationError("request body must be a JSON object")
	}

	seen := make(map[string]bool, len(payloadFields))
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return admission.ValidationError(decodeMessage(err))
		}
		key, _ := tok.(string)
		if !slices.Contains(payloadFields, key) {
			return admission.ValidationError(fmt.Sprintf("unknown field %q", truncate(key, MaxRiskFlagLength)))
		}
		if seen[key] {
			return admission.ValidationError(fmt.Sprintf("duplicate field %q", key))
		}
		seen[key] = true

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return admission.ValidationError(decodeMessage(err))
		}
	}

	if _, err := dec.Token(); err != nil {
		return admission.ValidationError(decodeMessage(err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return admission.ValidationError("request body must contain a single JSON object")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (p *Payload) validate() *admission.Error {
	if len(p.RiskFlags) > MaxRiskFlags {
		return admission.ValidationError(fmt.Sprintf("at most %d risk flags are allowed", MaxRiskFlags))
	}
	for _, flag := range p.RiskFlags {
		if strings.TrimSpace(flag) == "" || len(flag) > MaxRiskFlagLength {
			return admission.ValidationError(fmt.Sprintf("risk flags must be 1 to %d characters", MaxRiskFlagLength))
		}
	}
	return nil
}

// decodeMessage describes a decoding failure without echoing the body.
func decodeMessage(err error) string {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &syntaxErr):
		return fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		return fmt.Sprintf("field %q has the wrong type", typeErr.Field)
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return "unknown field " + strings.TrimPrefix(err.Error(), "json: unknown field ")
	case errors.Is(err, io.EOF):
		return "request body is empty"
	default:
		return "malformed JSON"
	}
}
