// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blocksplit

import "encoding/binary"

const (
	// hashLength is the window width fed to the hasher.
	hashLength = 2
	// maxHashLog caps histogram width at 1024 buckets.
	maxHashLog    = 10
	hashTableSize = 1 << maxHashLog
	// knuth is the golden-ratio constant for multiplicative hashing.
	knuth = 0x9e3779b9
)

// Threshold tuning. A comparison flags a shift when the cross-normalized
// distance reaches (thresholdBase+penalty)/thresholdRate of its upper bound.
// These values are tuned empirically; changing them changes split decisions.
const (
	thresholdRate  = 16
	thresholdBase  = thresholdRate - 2
	initialPenalty = 3
)

// hashWindow maps the 2-byte window at the start of p to a bucket index in
// [0, 1<<hashLog). hashLog must not exceed maxHashLog.
func hashWindow(p []byte, hashLog uint) uint32 {
	return uint32(binary.LittleEndian.Uint16(p)) * knuth >> (32 - hashLog)
}

// fingerprint is a histogram of hashed 2-byte windows sampled from a byte
// range, plus the number of samples recorded. samples always equals the sum
// of all buckets.
type fingerprint struct {
	counts  [hashTableSize]uint32
	samples uint64
}

// record resets fp and samples src. Only the 1<<hashLog buckets in use are
// cleared. src must be at least hashLength bytes long.
func (fp *fingerprint) record(src []byte, rate int, hashLog uint) {
	counts := fp.counts[:1<<hashLog]
	for i := range counts {
		counts[i] = 0
	}
	fp.samples = 0
	fp.add(src, rate, hashLog)
}

// add hashes the 2-byte window at every rate-th offset of src into its bucket
// and grows samples by the exact number of windows taken. This is the hot
// loop: it runs once per chunk per scan.
func (fp *fingerprint) add(src []byte, rate int, hashLog uint) {
	limit := len(src) - hashLength + 1
	var taken uint64
	for n := 0; n < limit; n += rate {
		fp.counts[hashWindow(src[n:], hashLog)]++
		taken++
	}
	fp.samples += taken
}

// merge folds other's evidence into fp.
func (fp *fingerprint) merge(other *fingerprint) {
	for n := range fp.counts {
		fp.counts[n] += other.counts[n]
	}
	fp.samples += other.samples
}

// remove subtracts a fingerprint previously merged into fp. Kept as a
// primitive for sliding-window scans; the chunk scanner never removes.
func (fp *fingerprint) remove(other *fingerprint) {
	for n := range fp.counts {
		fp.counts[n] -= other.counts[n]
	}
	fp.samples -= other.samples
}

// distance is the cross-normalized L1 distance between two fingerprints:
// per bucket, the counts are compared as fractions of their totals, scaled by
// both totals so the arithmetic stays exact in integers.
func distance(a, b *fingerprint, hashLog uint) uint64 {
	var d uint64
	for n := 0; n < 1<<hashLog; n++ {
		v := int64(a.counts[n])*int64(b.samples) - int64(b.counts[n])*int64(a.samples)
		if v < 0 {
			v = -v
		}
		d += uint64(v)
	}
	return d
}

// tooDifferent reports whether cand's distribution diverges from ref enough
// to split. Both fingerprints must have recorded at least one sample. The
// threshold scales with both totals; a lower penalty makes it stricter, which
// is how later comparisons are held to the larger accumulated reference.
func tooDifferent(ref, cand *fingerprint, penalty int, hashLog uint) bool {
	scale := ref.samples * cand.samples
	threshold := scale * uint64(thresholdBase+penalty) / thresholdRate
	return distance(ref, cand, hashLog) >= threshold
}
