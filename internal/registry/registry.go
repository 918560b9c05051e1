// Package registry defines the static table of upstream AI provider targets.
//
// Each target is a TargetSpec with optional function-valued hooks for header
// rewriting and request validation. Adding a provider means adding a table
// row; no other code path changes.
package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// PathMode selects how the outbound URL is composed from the inbound path.
type PathMode string

const (
	// PathModeFixed ignores the inbound subpath; the outbound URL is always
	// the target's base URL.
	PathModeFixed PathMode = "fixed"
	// PathModeSubpath appends the inbound path remainder and query string to
	// the base URL.
	PathModeSubpath PathMode = "subpath"
)

// Header names with target-specific meaning.
const (
	HeaderAnthropicVersion = "anthropic-version"
	HeaderBrowserAccess    = "anthropic-dangerous-direct-browser-access"
)

// defaultAnthropicVersion is applied when a Claude request omits the version header.
const defaultAnthropicVersion = "2023-06-01"

// ValidationError is a rejection produced by a target's Validate hook.
// Status is the HTTP status to return; Hint gives the caller enough to fix
// the request without leaking anything upstream-specific.
type ValidationError struct {
	Status  int
	Message string
	Hint    string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// TargetSpec describes one upstream provider. Rewrite and Validate are
// optional; a nil hook means pass-through and no validation respectively.
type TargetSpec struct {
	ID       string
	Name     string
	BaseURL  string
	Mode     PathMode
	Rewrite  func(h http.Header) http.Header
	Validate func(h http.Header, body []byte) *ValidationError
}

// targets is the closed provider table, in display order.
var targets = []TargetSpec{
	{
		ID:      "openai",
		Name:    "OpenAI",
		BaseURL: "https://api.openai.com/v1",
		Mode:    PathModeSubpath,
	},
	{
		ID:      "claude",
		Name:    "Anthropic Claude",
		BaseURL: "https://api.anthropic.com/v1",
		Mode:    PathModeSubpath,
		Rewrite: rewriteClaude,
	},
	{
		ID:      "gemini",
		Name:    "Google Gemini",
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Mode:    PathModeSubpath,
	},
	{
		ID:      "deepseek",
		Name:    "DeepSeek",
		BaseURL: "https://api.deepseek.com/v1",
		Mode:    PathModeSubpath,
	},
	{
		ID:       "yandex",
		Name:     "YandexGPT",
		BaseURL:  "https://llm.api.cloud.yandex.net/foundationModels/v1/completion",
		Mode:     PathModeFixed,
		Validate: validateYandex,
	},
}

// byID is built once at init from the table.
var byID = func() map[string]TargetSpec {
	m := make(map[string]TargetSpec, len(targets))
	for _, t := range targets {
		if _, dup := m[t.ID]; dup {
			panic(fmt.Sprintf("registry: duplicate target id %q", t.ID))
		}
		m[t.ID] = t
	}
	return m
}()

// Lookup returns the TargetSpec for id, or ok=false for an unknown target.
func Lookup(id string) (TargetSpec, bool) {
	t, ok := byID[id]
	return t, ok
}

// All returns the provider table in declared order.
func All() []TargetSpec {
	out := make([]TargetSpec, len(targets))
	copy(out, targets)
	return out
}

// IDs returns all target identifiers in declared order.
func IDs() []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	return ids
}

// rewriteClaude adapts generic bearer-style credentials to the Anthropic API:
// "Authorization: Bearer k" becomes "x-api-key: k", a missing version header
// gets the default, and the direct-browser-access marker is always stripped
// because the proxy itself satisfies the cross-origin constraint.
func rewriteClaude(h http.Header) http.Header {
	if auth := h.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		h.Set("x-api-key", strings.TrimPrefix(auth, "Bearer "))
		h.Del("Authorization")
	}
	if h.Get(HeaderAnthropicVersion) == "" {
		h.Set(HeaderAnthropicVersion, defaultAnthropicVersion)
	}
	h.Del(HeaderBrowserAccess)
	return h
}

// yandexRequiredFields are the body fields the YandexGPT completion endpoint requires.
var yandexRequiredFields = []string{"modelUri", "messages"}

// validateYandex checks credentials and body shape before the upstream call.
// YandexGPT rejects malformed requests with opaque errors, so the proxy
// surfaces specific ones instead.
func validateYandex(h http.Header, body []byte) *ValidationError {
	auth := h.Get("Authorization")
	if auth == "" {
		return &ValidationError{
			Status:  http.StatusUnauthorized,
			Message: "missing Authorization header",
			Hint:    "send 'Authorization: Api-Key <key>' or 'Authorization: Bearer <iam-token>'",
		}
	}
	if !strings.HasPrefix(auth, "Api-Key ") && !strings.HasPrefix(auth, "Bearer ") {
		return &ValidationError{
			Status:  http.StatusUnauthorized,
			Message: "unsupported Authorization scheme",
			Hint:    "send 'Authorization: Api-Key <key>' or 'Authorization: Bearer <iam-token>'",
		}
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return &ValidationError{
			Status:  http.StatusBadRequest,
			Message: "request body must be a JSON object",
			Hint:    fmt.Sprintf("required fields: %s", strings.Join(yandexRequiredFields, ", ")),
		}
	}

	var missing []string
	for _, f := range yandexRequiredFields {
		if _, ok := payload[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		received := make([]string, 0, len(payload))
		for k := range payload {
			received = append(received, k)
		}
		return &ValidationError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")),
			Hint:    fmt.Sprintf("received fields: %s", strings.Join(received, ", ")),
		}
	}

	return nil
}
