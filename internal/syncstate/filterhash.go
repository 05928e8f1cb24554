package syncstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// UploadFilterHash is the sentinel filter_hash used by upload-only rows,
// which have no associated subscription filter.
const UploadFilterHash = "upload"

// FilterHash computes the first 16 hex characters of
// SHA-256("<direction>:<canonical_filter_json>"), excluding since/until so
// that resuming a poll with an advanced cursor does not change identity.
// Go's encoding/json marshals map[string]any keys in sorted order, which is
// what gives the "canonical_filter_json" its key-order stability.
func FilterHash(direction string, filter nostr.Filter) (string, error) {
	canonical, err := canonicalFilterJSON(filter)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize filter: %w", err)
	}

	sum := sha256.Sum256([]byte(direction + ":" + canonical))
	return hex.EncodeToString(sum[:])[:16], nil
}

func canonicalFilterJSON(filter nostr.Filter) (string, error) {
	raw, err := json.Marshal(filter)
	if err != nil {
		return "", err
	}

	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return "", err
	}
	delete(asMap, "since")
	delete(asMap, "until")

	canonical, err := json.Marshal(asMap)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}
