package types

import (
	"encoding/json"
	"net/mail"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var namespaceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

const maxRendererIDLen = 128

// IsValidGraphicID reports whether id can be mapped onto a package folder.
// Ids are free-form except for anything that would escape the storage root.
func IsValidGraphicID(id string) bool {
	if id == "" || len(id) > 200 {
		return false
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return false
	}
	for _, r := range id {
		if r < 0x20 {
			return false
		}
	}
	return true
}

// IsValidNamespaceID checks a namespace id before it is used as a folder name
func IsValidNamespaceID(id string) bool {
	return namespaceIDRegex.MatchString(id)
}

// IsValidRendererID checks a renderer-supplied id. Any printable UTF-8 text
// is accepted except path separators; API clients escape it in URLs.
func IsValidRendererID(id string) bool {
	if id == "" || len(id) > maxRendererIDLen || !utf8.ValidString(id) {
		return false
	}
	for _, r := range id {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Validate ensures a manifest can be stored
func (m *GraphicManifest) Validate() error {
	if !IsValidGraphicID(m.ID) {
		return Validation("graphic manifest has invalid id %q", m.ID)
	}
	return nil
}

// NormalizeEmail validates an email address and lower-cases it
func NormalizeEmail(email string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return "", Validation("invalid email address")
	}
	return strings.ToLower(addr.Address), nil
}

// ParseRenderTarget validates that a render target is a JSON value
func ParseRenderTarget(raw string) (json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, Validation("renderTarget is required")
	}
	if !json.Valid([]byte(raw)) {
		return nil, Validation("renderTarget must be valid JSON")
	}
	return json.RawMessage(raw), nil
}

// WithDefaults fills in the status fields a renderer may omit
func (r ActionResult) WithDefaults() ActionResult {
	if r.StatusCode == 0 {
		r.StatusCode = 200
	}
	if r.StatusMessage == "" && r.StatusCode == 200 {
		r.StatusMessage = "OK"
	}
	return r
}
