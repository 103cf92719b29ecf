package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// PIILevel defines how much user-identifying data may reach logs
type PIILevel string

const (
	// PIILevelNone redacts user content and identifiers entirely
	PIILevelNone PIILevel = "none"
	// PIILevelHashed replaces identifiers and detected PII with salted hashes
	PIILevelHashed PIILevel = "hashed"
	// PIILevelFull logs values unchanged
	PIILevelFull PIILevel = "full"
)

const redacted = "[REDACTED]"

// ParsePIILevel maps a config value to a level. Unknown values fall back to hashed.
func ParsePIILevel(v string) PIILevel {
	switch PIILevel(strings.ToLower(strings.TrimSpace(v))) {
	case PIILevelNone:
		return PIILevelNone
	case PIILevelFull:
		return PIILevelFull
	default:
		return PIILevelHashed
	}
}

// Redactor sanitizes user ids and message text before they are logged.
// A nil Redactor behaves like the hashed level with an empty salt.
type Redactor struct {
	level PIILevel
	salt  string

	emailPattern    *regexp.Regexp
	mobilePattern   *regexp.Regexp
	landlinePattern *regexp.Regexp
	idCardPattern   *regexp.Regexp
	ipv4Pattern     *regexp.Regexp
}

// NewRedactor creates a redactor with a deployment-specific salt
func NewRedactor(level PIILevel, salt string) *Redactor {
	return &Redactor{
		level:           level,
		salt:            salt,
		emailPattern:    regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		mobilePattern:   regexp.MustCompile(`(?:\+?86[-\s]?)?1[3-9]\d{9}`),
		landlinePattern: regexp.MustCompile(`0\d{2,3}-\d{7,8}`),
		idCardPattern:   regexp.MustCompile(`\d{17}[\dXx]`),
		ipv4Pattern:     regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	}
}

// Level returns the configured level
func (r *Redactor) Level() PIILevel {
	if r == nil {
		return PIILevelHashed
	}
	return r.level
}

// UserID sanitizes a user identifier
func (r *Redactor) UserID(userID string) string {
	if userID == "" {
		return ""
	}

	switch r.Level() {
	case PIILevelNone:
		return redacted
	case PIILevelFull:
		return userID
	default:
		return r.hash(userID)
	}
}

// Text sanitizes free-form user or model text
func (r *Redactor) Text(input string) string {
	if input == "" {
		return ""
	}

	switch r.Level() {
	case PIILevelNone:
		return redacted
	case PIILevelFull:
		return input
	default:
		return r.hashPII(input)
	}
}

// hashPII hashes detected identifiers in place. ID card numbers run first so
// the mobile pattern cannot claim a slice of them.
func (r *Redactor) hashPII(input string) string {
	if r == nil {
		r = NewRedactor(PIILevelHashed, "")
	}

	result := r.idCardPattern.ReplaceAllString(input, "[ID:REDACTED]")
	result = r.emailPattern.ReplaceAllStringFunc(result, func(match string) string {
		return fmt.Sprintf("[EMAIL:%s]", r.hash(match))
	})
	result = r.mobilePattern.ReplaceAllStringFunc(result, func(match string) string {
		return fmt.Sprintf("[PHONE:%s]", r.hash(match))
	})
	result = r.landlinePattern.ReplaceAllStringFunc(result, func(match string) string {
		return fmt.Sprintf("[PHONE:%s]", r.hash(match))
	})
	result = r.ipv4Pattern.ReplaceAllStringFunc(result, func(match string) string {
		return fmt.Sprintf("[IP:%s]", r.hash(match))
	})
	return result
}

// hash returns the first 8 hex chars of a salted SHA-256
func (r *Redactor) hash(data string) string {
	salt := ""
	if r != nil {
		salt = r.salt
	}
	sum := sha256.Sum256([]byte(data + salt))
	return hex.EncodeToString(sum[:])[:8]
}
