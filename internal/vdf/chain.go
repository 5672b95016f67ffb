package vdf

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"
)

// Link is one entry in the VDF hash chain (spec §4.4).
type Link struct {
	Seq         uint64
	EventID     string
	ReaderID    string
	Timestamp   int64
	PrevOutput  string
	VDFInput    string
	VDFOutput   string
	Checkpoints []string
}

// Chain serializes appends on a single mutex guarding its head (spec §5),
// so the head is always unambiguous even though ingest itself is highly
// concurrent.
type Chain struct {
	mu         sync.Mutex
	difficulty int
	granularity int
	links      []Link
}

// Genesis returns the deterministic genesis output for seed: SHA256(seed).
// The first appended link's PrevOutput equals this value (spec §8 scenario
// 1).
func Genesis(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// New builds an empty Chain; the genesis seed is supplied to each Append.
func New(difficulty, granularity int) *Chain {
	return &Chain{difficulty: difficulty, granularity: granularity}
}

// Head returns the current chain head, or the zero Link with Seq 0 if the
// chain is empty.
func (c *Chain) Head() Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.links) == 0 {
		return Link{}
	}
	return c.links[len(c.links)-1]
}

// Links returns a copy of every link in append order.
func (c *Chain) Links() []Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Link, len(c.links))
	copy(out, c.links)
	return out
}

// Len returns the number of appended links.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links)
}

// Append computes and appends the next link for (eventID, readerID,
// timestamp), chaining from the current head (or genesisSeed if empty).
func (c *Chain) Append(genesisSeed, eventID, readerID string, timestamp int64) Link {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevOutput := Genesis(genesisSeed)
	seq := uint64(1)
	if n := len(c.links); n > 0 {
		prevOutput = c.links[n-1].VDFOutput
		seq = c.links[n-1].Seq + 1
	}

	input := canonicalInput(prevOutput, eventID, readerID, timestamp)
	output, checkpoints := Compute(input, c.difficulty, c.granularity)

	link := Link{
		Seq:         seq,
		EventID:     eventID,
		ReaderID:    readerID,
		Timestamp:   timestamp,
		PrevOutput:  prevOutput,
		VDFInput:    hex.EncodeToString(input),
		VDFOutput:   output,
		Checkpoints: checkpoints,
	}
	c.links = append(c.links, link)
	return link
}

// canonicalInput builds SHA256(prev_output || event_id || reader_id ||
// timestamp_le_u64) per spec §4.4.
func canonicalInput(prevOutput, eventID, readerID string, timestamp int64) []byte {
	var buf []byte
	buf = append(buf, []byte(prevOutput)...)
	buf = append(buf, []byte(eventID)...)
	buf = append(buf, []byte(readerID)...)

	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(timestamp))
	buf = append(buf, ts...)

	sum := sha256.Sum256(buf)
	return sum[:]
}

// TamperClass enumerates full-chain verification failure classes (spec
// §4.4).
type TamperClass string

const (
	TamperVDFMismatch      TamperClass = "VDF_MISMATCH"
	TamperPrevPointerBroken TamperClass = "PREV_POINTER_BROKEN"
	TamperReordered        TamperClass = "REORDERED"
)

// VerifyResult is the outcome of a full-chain scan.
type VerifyResult struct {
	Valid          bool
	FirstBrokenSeq uint64
	Class          TamperClass
}

// Verify recomputes each link against its checkpoints and prev pointer,
// reporting the first broken link and its tamper class. It does not detect
// INSERTED/DELETED links relative to an external DecisionRecord set — that
// cross-check lives in the reconciliation pass (see spec §9's
// response_awaits_vdf open question), since it requires the decision store,
// not just the chain itself.
func (c *Chain) Verify(genesisSeed string, reorderTolerance time.Duration) VerifyResult {
	c.mu.Lock()
	links := make([]Link, len(c.links))
	copy(links, c.links)
	c.mu.Unlock()

	prevOutput := Genesis(genesisSeed)
	var prevTimestamp int64
	for i, l := range links {
		if l.PrevOutput != prevOutput {
			return VerifyResult{Valid: false, FirstBrokenSeq: l.Seq, Class: TamperPrevPointerBroken}
		}

		expectedInput := canonicalInput(prevOutput, l.EventID, l.ReaderID, l.Timestamp)
		if hex.EncodeToString(expectedInput) != l.VDFInput {
			return VerifyResult{Valid: false, FirstBrokenSeq: l.Seq, Class: TamperVDFMismatch}
		}
		if !Verify(expectedInput, c.difficulty, c.granularity, l.Checkpoints, l.VDFOutput) {
			return VerifyResult{Valid: false, FirstBrokenSeq: l.Seq, Class: TamperVDFMismatch}
		}

		if i > 0 {
			drift := l.Timestamp - prevTimestamp
			if drift < 0 && time.Duration(-drift)*time.Second > reorderTolerance {
				return VerifyResult{Valid: false, FirstBrokenSeq: l.Seq, Class: TamperReordered}
			}
		}

		prevOutput = l.VDFOutput
		prevTimestamp = l.Timestamp
	}

	return VerifyResult{Valid: true}
}
