// Package vdf implements the Verifiable Delay Function used by the hash
// chain (C10): the sequential composition f(x) = SHA256^d(x), with
// checkpoint hashes sampled every d/checkpoint_granularity iterations so a
// verifier can confirm a claimed output without either trusting the
// prover or repeating every intermediate step opaquely (spec §4.4).
//
// There is no teacher analog for a delay function; the segment-checkpoint
// idiom is grounded on the pack's Merkle proof style
// (internal/merkle, itself adapted from
// _examples/Generativebots-ocx-backend-go-svc/internal/ledger/merkle.go):
// both break one expensive structure into independently verifiable
// segments rather than trusting an opaque final hash.
package vdf

import (
	"crypto/sha256"
	"encoding/hex"
)

// Compute runs the VDF over input for d sequential SHA-256 iterations,
// sampling a checkpoint hash every d/granularity iterations (always
// including the final iteration). granularity <= 0 is treated as 1 (a
// single checkpoint, the output itself) — spec's difficulty=1 boundary
// case still produces one checkpoint equal to the output.
func Compute(input []byte, d, granularity int) (output string, checkpoints []string) {
	if d < 1 {
		d = 1
	}
	step := checkpointStep(d, granularity)

	cur := input
	for i := 1; i <= d; i++ {
		sum := sha256.Sum256(cur)
		cur = sum[:]
		if i%step == 0 || i == d {
			checkpoints = append(checkpoints, hex.EncodeToString(cur))
		}
	}
	return hex.EncodeToString(cur), checkpoints
}

// Verify recomputes output segment-by-segment against the supplied
// checkpoints, confirming both checkpoint consistency and the final output
// in one pass.
func Verify(input []byte, d, granularity int, checkpoints []string, expectedOutput string) bool {
	if d < 1 {
		d = 1
	}
	step := checkpointStep(d, granularity)

	cur := input
	ci := 0
	for i := 1; i <= d; i++ {
		sum := sha256.Sum256(cur)
		cur = sum[:]
		if i%step == 0 || i == d {
			if ci >= len(checkpoints) {
				return false
			}
			if hex.EncodeToString(cur) != checkpoints[ci] {
				return false
			}
			ci++
		}
	}
	return ci == len(checkpoints) && hex.EncodeToString(cur) == expectedOutput
}

func checkpointStep(d, granularity int) int {
	if granularity <= 0 {
		granularity = 1
	}
	step := d / granularity
	if step < 1 {
		step = 1
	}
	return step
}
