// Package idempotency derives deterministic keys for logical award events.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is the temporal bucket folded into a key.
type Window string

const (
	// WindowNone is used for naturally single-occurrence actions.
	WindowNone Window = "none"
	// WindowDay buckets repeatable actions by UTC calendar date.
	WindowDay Window = "day"
)

// Bucket returns the time bucket label for t, or "" for WindowNone.
func (w Window) Bucket(t time.Time) string {
	switch w {
	case WindowDay:
		return t.UTC().Format(time.DateOnly)
	default:
		return ""
	}
}

// Valid reports whether w is a known window.
func (w Window) Valid() bool {
	return w == WindowNone || w == WindowDay || w == ""
}

// Derive computes a SHA-256 digest over a canonical concatenation of the
// inputs. Metadata is encoded as JSON, which orders map keys, so equal maps
// always produce equal keys regardless of insertion order.
func Derive(userID int64, action string, metadata map[string]any, bucket string) (string, error) {
	canonical, err := canonicalMetadata(metadata)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("v1")
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(userID, 10))
	b.WriteByte('|')
	b.WriteString(action)
	b.WriteByte('|')
	b.Write(canonical)
	if bucket != "" {
		b.WriteByte('|')
		b.WriteString(bucket)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return out, nil
}
