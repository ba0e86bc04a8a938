// Package integrity provides tamper-evident hashing for amendments and the
// safety audit log. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cognalith/governor/internal/model"
)

const hashPrefix = "v1:"

// AmendmentHash digests the fields that define what an amendment does.
// Lifecycle fields (status, counters, timestamps) are excluded so the hash
// is stable for the life of the amendment.
func AmendmentHash(a model.Amendment) string {
	h := newHasher()
	h.field(a.ID.String())
	h.field(a.AgentRole)
	h.field(a.TriggerPattern)
	h.field(a.InstructionDelta)
	h.field(string(a.AmendmentType))
	h.field(string(a.Mutation.Operation))
	h.field(a.Mutation.TargetArea)
	h.field(a.Mutation.Content)
	h.field(strconv.Itoa(a.Version))
	return hashPrefix + h.sum()
}

// VerifyAmendment checks a stored amendment hash.
func VerifyAmendment(a model.Amendment) bool {
	return strings.HasPrefix(a.ContentHash, hashPrefix) && a.ContentHash == AmendmentHash(a)
}

// SafetyEventHash digests an audit row. Data is encoded as JSON, whose map
// keys are emitted in sorted order.
func SafetyEventHash(e model.SafetyEvent) string {
	h := newHasher()
	h.field(e.ID.String())
	h.field(e.AgentRole)
	if e.AmendmentID != nil {
		h.field(e.AmendmentID.String())
	} else {
		h.field("")
	}
	h.field(string(e.ConstraintType))
	h.field(string(e.Action))
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = nil
	}
	h.field(string(data))
	h.field(e.CreatedAt.UTC().Format(time.RFC3339Nano))
	return hashPrefix + h.sum()
}

// VerifySafetyEvent checks a stored audit row hash.
func VerifySafetyEvent(e model.SafetyEvent) bool {
	return strings.HasPrefix(e.ContentHash, hashPrefix) && e.ContentHash == SafetyEventHash(e)
}

type hasher struct {
	buf []byte
}

func newHasher() *hasher { return &hasher{} }

// field appends a 4-byte big-endian length prefix followed by the bytes,
// so free text containing delimiters cannot collide.
func (h *hasher) field(s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // bounded by request limits
	h.buf = append(h.buf, lenBuf[:]...)
	h.buf = append(h.buf, s...)
}

func (h *hasher) sum() string {
	sum := sha256.Sum256(h.buf)
	return hex.EncodeToString(sum[:])
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix separates internal Merkle nodes from leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves must be sorted by the caller for determinism.
// Odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
