package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/docuflow/docuflow/pkg/errors"
)

// volatileFields are input fields excluded from the cache key. They change
// on every request without affecting the result, so keeping them would
// defeat deduplication.
var volatileFields = map[string]bool{
	"correlation_id": true,
	"workflow_id":    true,
	"request_id":     true,
	"trace_id":       true,
	"timestamp":      true,
	"requested_at":   true,
}

// CacheKey derives the deterministic cache key for a category and input.
// The input is canonicalized through JSON (object keys sorted, volatile
// request metadata stripped) and hashed, so two semantically identical
// requests share a key regardless of field order or tracing noise.
func CacheKey(category string, input interface{}) (string, error) {
	if category == "" {
		return "", errors.NewValidationError("cache key requires a category")
	}

	hash, err := inputHash(input)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", category, hash), nil
}

func inputHash(input interface{}) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", errors.NewValidationError("input is not serializable").WithCause(err)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", errors.NewValidationError("input is not canonicalizable").WithCause(err)
	}

	canonical, err := json.Marshal(stripVolatile(decoded))
	if err != nil {
		return "", errors.NewValidationError("input is not canonicalizable").WithCause(err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// stripVolatile removes volatile fields from the top level of an object.
// encoding/json marshals map keys in sorted order, which provides the
// canonical ordering.
func stripVolatile(v interface{}) interface{} {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	for field := range volatileFields {
		delete(obj, field)
	}
	return obj
}
