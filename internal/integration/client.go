// Package integration defines the client boundary to third-party data
// sources and the failure taxonomy the reliability core acts on.
package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"context"

	"github.com/porticohq/portico/pkg/types"
)

// FetchResult is the outcome of one upstream fetch.
type FetchResult struct {
	Data       json.RawMessage
	SchemaHash string
	Latency    time.Duration
}

// Client fetches data from a registered integration. The core depends
// only on this interface and the error taxonomy below; HTTPClient is
// the stock implementation.
type Client interface {
	Fetch(ctx context.Context, integrationID string, params map[string]string) (*FetchResult, error)
}

// Error classifies an upstream failure.
type Error struct {
	Category   types.FailureCategory
	RetryAfter time.Duration // set for rate-limit responses
	SchemaHash string        // set for schema-change detections
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("integration %s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks a retryable upstream failure (network, 5xx).
func Transient(err error) *Error {
	return &Error{Category: types.FailureTransient, Err: err}
}

// Permanent marks a non-retryable upstream failure (auth, validation).
func Permanent(err error) *Error {
	return &Error{Category: types.FailurePermanent, Err: err}
}

// RateLimited marks a 429-class failure with the reported reset delay.
func RateLimited(err error, retryAfter time.Duration) *Error {
	return &Error{Category: types.FailureRateLimited, RetryAfter: retryAfter, Err: err}
}

// ErrSchemaChanged signals that the upstream shape no longer matches the
// last known schema. It is not a call failure; the fetch succeeded.
var ErrSchemaChanged = errors.New("schema changed")

// SchemaChanged wraps ErrSchemaChanged with the newly observed hash.
func SchemaChanged(hash string) *Error {
	return &Error{Category: types.FailurePermanent, SchemaHash: hash, Err: ErrSchemaChanged}
}

// AsError extracts the integration error classification, defaulting to
// transient for unclassified failures.
func AsError(err error) *Error {
	var ie *Error
	if errors.As(err, &ie) {
		return ie
	}
	return Transient(err)
}

// HashSchema produces a stable hash of a JSON document's shape: key
// paths and value types, independent of values and key order.
func HashSchema(data json.RawMessage) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return ""
	}
	paths := make([]string, 0, 16)
	collectPaths("", v, &paths)
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func collectPaths(prefix string, v any, out *[]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			collectPaths(prefix+"."+k, child, out)
		}
	case []any:
		if len(t) > 0 {
			collectPaths(prefix+"[]", t[0], out)
		} else {
			*out = append(*out, prefix+"[]:empty")
		}
	case string:
		*out = append(*out, prefix+":string")
	case float64:
		*out = append(*out, prefix+":number")
	case bool:
		*out = append(*out, prefix+":bool")
	case nil:
		*out = append(*out, prefix+":null")
	}
}
