package store

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies a fit request. Fits are deterministic for a fixed
// seed, so two requests with equal fingerprints have equal results.
func Fingerprint(config JobConfig) (string, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to serialize job config: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}
