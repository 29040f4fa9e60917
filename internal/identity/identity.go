package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

// Deterministic identity for jobs and tasks. Identical inputs always hash to
// identical IDs, which lets the store reject duplicate creates on the primary
// key and makes submit/replay idempotent end to end.

// ComputeJobID hashes (job_type, canonical parameters) to a 64-char hex ID.
// Keys beginning with "_" are reserved for internal flags and excluded from
// the canonical form.
func ComputeJobID(jobType string, parameters map[string]any) (string, error) {
	canonical, err := CanonicalJSON(parameters)
	if err != nil {
		return "", fmt.Errorf("canonicalize parameters: %w", err)
	}
	sum := sha256.Sum256([]byte(jobType + ":" + canonical))
	return hex.EncodeToString(sum[:]), nil
}

// ComputeTaskID hashes (job_id, stage_number, discriminator) to a 64-char hex
// ID. The discriminator is a workflow-chosen stable string ("chunk_7",
// "finalize") that distinguishes sibling tasks within a stage.
func ComputeTaskID(jobID string, stage int, discriminator string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:stage%d:%s", jobID, stage, discriminator)))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON serializes a parameter map with keys sorted lexicographically
// and no insignificant whitespace. encoding/json already emits map keys in
// sorted order at every nesting level, so filtering reserved keys at the top
// level is the only extra normalization needed.
func CanonicalJSON(parameters map[string]any) (string, error) {
	filtered := make(map[string]any, len(parameters))
	for k, v := range parameters {
		if strings.HasPrefix(k, "_") {
			continue
		}
		filtered[k] = v
	}
	b, err := json.Marshal(filtered)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StageLockKey builds the 64-bit advisory lock key that serializes stage
// completion for (job_id, stage). The configured namespace occupies the high
// 32 bits so unrelated advisory-lock users on the same database cannot
// collide with ours.
func StageLockKey(namespace uint32, jobID string, stage int) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	_, _ = h.Write([]byte{':'})
	_, _ = fmt.Fprintf(h, "%d", stage)
	return int64(uint64(namespace)<<32 | uint64(h.Sum32()))
}
