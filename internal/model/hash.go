package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainSnapshot = "entityledger/snapshot/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotDigest returns a stable digest of the durable checkpoint fields.
// SavedAt, RunID and Digest itself are excluded so that a reloaded checkpoint
// hashes to the same value it was written with.
func SnapshotDigest(cp Checkpoint) (string, error) {
	entities := make([]EntityRecord, len(cp.Entities))
	copy(entities, cp.Entities)
	sort.Slice(entities, func(i, j int) bool { return entities[i].Key < entities[j].Key })

	files := append([]string(nil), cp.ProcessedFiles...)
	sort.Strings(files)
	keys := append([]string(nil), cp.ExportedKeys...)
	sort.Strings(keys)

	payload := struct {
		Version        int              `json:"version"`
		ProcessedFiles []string         `json:"processed_files"`
		Entities       []EntityRecord   `json:"entities"`
		NextID         int64            `json:"next_id"`
		ExportedKeys   []string         `json:"exported_keys"`
		LogSizes       map[string]int64 `json:"log_sizes,omitempty"`
	}{cp.Version, files, entities, cp.NextID, keys, cp.LogSizes}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("SnapshotDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, data), nil
}
