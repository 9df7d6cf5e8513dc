// Package draft manages per-step form-data snapshots held apart from the
// canonical state until committed, with content-hash change detection and
// per-step auto-save loops.
package draft

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rendis/draftsync/pkg/schema"
)

// ContentHash returns the sha256 hex digest of the data's canonical JSON
// encoding. encoding/json writes map keys in sorted order, so equal maps
// hash equally regardless of insertion order.
func ContentHash(data map[string]any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeSerialization, "hash draft data").WithCause(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
