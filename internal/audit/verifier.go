package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/jsonutil"
)

// ChainResult is the outcome of replaying the audit log and checking the
// hash chain.
type ChainResult struct {
	LineCount       int
	Valid           bool
	TruncatedTail   bool
	FirstBrokenLine int
	Events          []gwtypes.AuditEvent
}

// Verifier replays an audit log file and checks the chain: every line's
// prev_hash must match the previous line's payload_hash, and every line's
// payload_hash must match the recomputed hash of its content.
type Verifier struct{}

// NewVerifier constructs a Verifier. It holds no state; verification always
// operates on a file path supplied to Verify.
func NewVerifier() *Verifier { return &Verifier{} }

// Verify replays path and reports whether the hash chain holds. A single
// tampered line detaches the rest of the chain (FirstBrokenLine is 1-indexed,
// 0 when no break was found). A trailing line that fails to parse is
// reported as TruncatedTail rather than a break, since appends are not
// fsynced and a crash may cut the last line short.
func (v *Verifier) Verify(path string) (ChainResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ChainResult{}, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	result := ChainResult{Valid: true}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var lines [][]byte
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), raw...))
	}
	if err := scanner.Err(); err != nil {
		return ChainResult{}, fmt.Errorf("audit: scan log: %w", err)
	}

	var prevHash string
	for i, raw := range lines {
		lineNo := i + 1
		var event gwtypes.AuditEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			// Only a truncated final line is tolerated; a parse
			// failure mid-file is a genuine break.
			if i == len(lines)-1 {
				result.TruncatedTail = true
				break
			}
			result.Valid = false
			if result.FirstBrokenLine == 0 {
				result.FirstBrokenLine = lineNo
			}
			continue
		}

		claimedHash := event.PayloadHash
		claimedPrev := event.PrevHash
		recomputeTarget := event
		recomputeTarget.PayloadHash = ""
		recomputed, err := jsonutil.SHA256Hex(recomputeTarget)
		if err != nil {
			return ChainResult{}, fmt.Errorf("audit: recompute hash line %d: %w", lineNo, err)
		}

		if recomputed != claimedHash || claimedPrev != prevHash {
			result.Valid = false
			if result.FirstBrokenLine == 0 {
				result.FirstBrokenLine = lineNo
			}
		}

		result.Events = append(result.Events, event)
		prevHash = claimedHash
		result.LineCount = lineNo
	}
	return result, nil
}
