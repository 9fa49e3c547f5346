// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package blocksplit detects content shifts inside fixed-size data blocks so
// that a compression encoder can model each side of the shift separately.
package blocksplit

import (
	"github.com/pkg/errors"
)

const (
	// BlockSize is the only block length SplitPoint accepts.
	BlockSize = 128 * 1024
	// ChunkSize is the granularity at which blocks are fingerprinted and
	// split. Split points are always multiples of it.
	ChunkSize = 8 * 1024
)

// Strategy selects how densely chunks are sampled when looking for a shift,
// trading CPU cost against detection resolution.
type Strategy int

const (
	// Level1 samples sparsely into a narrow histogram. Cheapest, coarsest.
	Level1 Strategy = iota
	// Level2 samples every fifth window.
	Level2
	// Level3 hashes every window position. Most expensive, most sensitive.
	Level3
)

// strategies maps each level to its sampling stride and histogram width.
var strategies = [...]struct {
	rate    int
	hashLog uint
}{
	Level1: {rate: 11, hashLog: 9},
	Level2: {rate: 5, hashLog: 10},
	Level3: {rate: 1, hashLog: 10},
}

func (s Strategy) valid() bool {
	return s >= Level1 && s <= Level3
}

var (
	// ErrInvalidStrategy is returned when the strategy is not one of the
	// supported levels.
	ErrInvalidStrategy = errors.New("blocksplit: unknown split strategy")
	// ErrInvalidBlockSize is returned when the block is not exactly BlockSize
	// bytes long.
	ErrInvalidBlockSize = errors.New("blocksplit: unsupported block size")
	// ErrNilScratch is returned when no scratch state is provided.
	ErrNilScratch = errors.New("blocksplit: scratch state required")
)

// Scratch holds the comparison state for one block scan: the reference
// fingerprint accumulated from accepted chunks and the candidate fingerprint
// of the chunk under comparison. It is zeroed at the start of every scan, so
// instances may be reused freely across calls, but never concurrently.
type Scratch struct {
	reference fingerprint
	candidate fingerprint
}

func (ws *Scratch) reset() {
	*ws = Scratch{}
}

// flush makes the latest candidate the new reference, discarding the
// accumulated evidence. Kept as a primitive for sliding-window scans; the
// chunk scanner below never flushes.
func (ws *Scratch) flush() {
	ws.reference = ws.candidate
	ws.candidate = fingerprint{}
}

// SplitPoint examines one BlockSize block and returns the offset at which it
// should be split before encoding, or len(block) when its content is uniform
// enough to encode as a single segment. A returned split offset is always a
// multiple of ChunkSize in [ChunkSize, BlockSize-ChunkSize]. The result is
// deterministic and unaffected by prior contents of ws.
func SplitPoint(block []byte, strat Strategy, ws *Scratch) (int, error) {
	if !strat.valid() {
		return 0, errors.Wrapf(ErrInvalidStrategy, "strategy %d", strat)
	}
	if len(block) != BlockSize {
		return 0, errors.Wrapf(ErrInvalidBlockSize, "got %d bytes, want %d", len(block), BlockSize)
	}
	if ws == nil {
		return 0, ErrNilScratch
	}
	return splitByChunks(block, strat, ws), nil
}

// splitByChunks walks block in ChunkSize steps, comparing each chunk's
// fingerprint against the evidence accumulated from the chunks before it. The
// first chunk only seeds the reference, so block must hold at least one whole
// chunk. Chunks judged similar are merged into the reference and shrink the
// penalty, tightening the threshold as the reference grows more trustworthy.
// The trailing part of the block shorter than a whole chunk is never scanned
// separately.
func splitByChunks(block []byte, strat Strategy, ws *Scratch) int {
	rate, hashLog := strategies[strat].rate, strategies[strat].hashLog
	penalty := initialPenalty

	ws.reset()
	ws.reference.record(block[:ChunkSize], rate, hashLog)
	for pos := ChunkSize; pos <= len(block)-ChunkSize; pos += ChunkSize {
		ws.candidate.record(block[pos:pos+ChunkSize], rate, hashLog)
		if tooDifferent(&ws.reference, &ws.candidate, penalty, hashLog) {
			return pos
		}
		ws.reference.merge(&ws.candidate)
		if penalty > 0 {
			penalty--
		}
	}
	return len(block)
}
