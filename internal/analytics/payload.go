// Package analytics turns domain events into PII-free, allow-listed payloads.
package analytics

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

var (
	ErrFieldNotAllowed = errors.New("analytics field not allowed")
	ErrPIIDetected     = errors.New("analytics value looks like personal data")
	ErrUnsupported     = errors.New("unsupported event")
)

// Payload is the flat key/value egress format.
type Payload map[string]any

const SchemaVersion = 1

// allowedFields is the complete egress allow-list.
var allowedFields = map[string]struct{}{
	"schema_version":     {},
	"event":              {},
	"delta":              {},
	"action":             {},
	"user_hash":          {},
	"occurred_at":        {},
	"old_level":          {},
	"new_level":          {},
	"meta_source":        {},
	"meta_document_type": {},
}

// metadataFields are the metadata keys copied into meta_* fields.
var metadataFields = []string{"source", "document_type"}

// piiFieldNames are metadata names stripped on sight. Short names must match a
// whole "_"/"-" separated token; longer ones match anywhere in the key.
var piiFieldNames = []string{
	"email", "e_mail", "phone", "telefone", "celular", "mobile",
	"cpf", "rg", "cns", "ssn", "name", "nome", "address", "endereco",
	"birth", "nascimento", "ip", "password", "token", "diagnos", "health",
}

var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b`),
	regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?\(?\b\d{2,3}\)?[\s.\-]?\d{4,5}[\s.\-]?\d{4}\b`),
}

// IsPIIField reports whether a field name belongs to the defensive PII set.
func IsPIIField(name string) bool {
	n := strings.ToLower(name)
	tokens := strings.FieldsFunc(n, func(r rune) bool { return r == '_' || r == '-' || r == '.' })
	for _, p := range piiFieldNames {
		if len(p) >= 4 && strings.Contains(n, p) {
			return true
		}
		for _, tok := range tokens {
			if tok == p {
				return true
			}
		}
	}
	return false
}

// LooksLikePII reports whether s matches an email, CPF or phone pattern.
func LooksLikePII(s string) bool {
	for _, re := range piiPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// StripPII drops metadata entries whose name is in the PII set or whose
// string value matches a PII pattern.
func StripPII(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if IsPIIField(k) {
			continue
		}
		if s, ok := v.(string); ok && LooksLikePII(s) {
			continue
		}
		out[k] = v
	}
	return out
}

// Builder converts events to payloads, hashing user ids with a keyed HMAC.
type Builder struct {
	salt []byte
}

func NewBuilder(salt string) *Builder {
	return &Builder{salt: []byte(salt)}
}

// UserHash is the pseudonymous user identifier used in egress.
func (b *Builder) UserHash(userID int64) string {
	mac := hmac.New(sha256.New, b.salt)
	mac.Write([]byte(strconv.FormatInt(userID, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Build returns a validated payload for ev. A payload that fails validation
// is returned as an error and must not be transmitted.
func (b *Builder) Build(ev domain.Event) (Payload, error) {
	p := Payload{
		"schema_version": SchemaVersion,
		"event":          ev.EventName(),
	}
	switch e := ev.(type) {
	case domain.PointsEarnedEvent:
		p["delta"] = e.Delta
		p["action"] = e.Action
		p["user_hash"] = b.UserHash(e.UserID)
		p["occurred_at"] = e.OccurredAt.UTC().Format(time.RFC3339)
		meta := StripPII(e.Metadata)
		for _, f := range metadataFields {
			if v, ok := meta[f]; ok {
				p["meta_"+f] = v
			}
		}
	case domain.LevelUpEvent:
		p["old_level"] = e.OldLevel
		p["new_level"] = e.NewLevel
		p["user_hash"] = b.UserHash(e.UserID)
		p["occurred_at"] = e.OccurredAt.UTC().Format(time.RFC3339)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ev.EventName())
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate rejects payloads with any field outside the allow-list, any
// non-scalar value, or any string value matching a PII pattern.
func Validate(p Payload) error {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, ok := allowedFields[k]; !ok {
			return fmt.Errorf("%w: %s", ErrFieldNotAllowed, k)
		}
		switch v := p[k].(type) {
		case string:
			if LooksLikePII(v) {
				return fmt.Errorf("%w: %s", ErrPIIDetected, k)
			}
		case int, int32, int64, float64, bool, nil:
		default:
			return fmt.Errorf("%w: %s has non-scalar value %T", ErrFieldNotAllowed, k, v)
		}
	}
	return nil
}
