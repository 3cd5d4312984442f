package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/agentleash/agentleash/internal/store"
)

// genesisSeed anchors the hash chain for an empty journal.
const genesisSeed = "agentleash.journal.v1"

// ComputeHash computes the SHA-256 hash for a journal record, chaining to
// the previous record's hash.
func ComputeHash(rec *store.Record) string {
	data := fmt.Sprintf("%d|%d|%s|%s|%s|%s",
		rec.Cursor,
		rec.Ts,
		rec.Kind,
		rec.Agent,
		string(rec.Payload),
		rec.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// GenesisHash is the prev_hash of the first record.
func GenesisHash() string {
	hash := sha256.Sum256([]byte(genesisSeed))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks records in cursor order and checks hash integrity.
// Returns (valid, brokenAtIndex); brokenAtIndex is -1 when the chain holds.
func VerifyChain(records []*store.Record) (bool, int) {
	for i, rec := range records {
		if rec.Hash != ComputeHash(rec) {
			return false, i
		}
		if i > 0 && rec.PrevHash != records[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}
