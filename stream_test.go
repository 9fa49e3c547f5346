// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blocksplit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/hooklift/assert"
	"github.com/pkg/profile"
)

// collect drains a segment channel, failing the test on any in-band error.
func collect(t *testing.T, segments <-chan Segment) []Segment {
	var got []Segment
	for s := range segments {
		assert.Ok(t, s.Error)
		got = append(got, s)
	}
	return got
}

// assertContiguous verifies that segments tile the stream without gaps.
func assertContiguous(t *testing.T, segments []Segment, total int) {
	var offset int64
	for _, s := range segments {
		assert.Equals(t, offset, s.Offset)
		offset += int64(s.Size)
	}
	assert.Equals(t, int64(total), offset)
}

func TestSegmentsUniform(t *testing.T) {
	input := bytes.Repeat([]byte{0x55}, 3*BlockSize)

	segments, err := Segments(context.Background(), bytes.NewReader(input), Level3, nil)
	assert.Ok(t, err)

	got := collect(t, segments)
	assert.Equals(t, 3, len(got))
	assertContiguous(t, got, len(input))

	want := sha256.Sum256(input[:BlockSize])
	for _, s := range got {
		assert.Equals(t, BlockSize, s.Size)
		assert.Equals(t, want[:], s.Strong)
		assert.Equals(t, got[0].Weak, s.Weak)
	}
}

func TestSegmentsShiftBlock(t *testing.T) {
	input := shiftBlock(9)

	segments, err := Segments(context.Background(), bytes.NewReader(input), Level3, nil)
	assert.Ok(t, err)

	got := collect(t, segments)
	assert.Equals(t, 2, len(got))
	assertContiguous(t, got, len(input))
	assert.Equals(t, BlockSize/2, got[0].Size)
	assert.Equals(t, BlockSize/2, got[1].Size)

	first := sha256.Sum256(input[:BlockSize/2])
	second := sha256.Sum256(input[BlockSize/2:])
	assert.Equals(t, first[:], got[0].Strong)
	assert.Equals(t, second[:], got[1].Strong)
	assert.Cond(t, got[0].Weak != got[1].Weak, "weak identities of distinct content should differ")
}

func TestSegmentsTail(t *testing.T) {
	uniform := bytes.Repeat([]byte{0x61}, BlockSize)
	shiftyTail := append(bytes.Repeat([]byte("abcd"), 2*ChunkSize/4), brand(11, 12000)...)

	tests := []struct {
		desc      string
		input     []byte
		wantSizes []int
	}{
		{
			"tail shorter than two chunks passes through unscanned",
			append(append([]byte{}, uniform...), bytes.Repeat([]byte{0x61}, 5000)...),
			[]int{BlockSize, 5000},
		},
		{
			"tail with at least two chunks is still scanned",
			append(append([]byte{}, uniform...), shiftyTail...),
			[]int{BlockSize, 2 * ChunkSize, 12000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			segments, err := Segments(context.Background(), bytes.NewReader(tt.input), Level3, nil)
			assert.Ok(t, err)

			got := collect(t, segments)
			assert.Equals(t, len(tt.wantSizes), len(got))
			assertContiguous(t, got, len(tt.input))
			for i, want := range tt.wantSizes {
				assert.Equals(t, want, got[i].Size)
			}
		})
	}
}

func TestSegmentsLargeStream(t *testing.T) {
	defer profile.Start().Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Ten and a half blocks of patterned data, then binary data up to a
	// 31072-byte trailing partial block. The only intra-block shift sits in
	// block 10, half a block past its start.
	pattern := bytes.Repeat([]byte("abcd"), (10*BlockSize+BlockSize/2)/4)
	input := append(pattern, brand(21, 4*BlockSize+BlockSize/2+31072)...)
	boundary := int64(len(pattern))

	segments, err := Segments(ctx, bytes.NewReader(input), Level3, nil)
	assert.Ok(t, err)

	got := collect(t, segments)
	assertContiguous(t, got, len(input))
	assert.Equals(t, 17, len(got))

	split := false
	for _, s := range got {
		assert.Cond(t, s.Size <= BlockSize, "no segment may exceed a block")
		assert.Equals(t, 32, len(s.Strong))
		if s.Offset == boundary {
			split = true
		}
	}
	assert.Cond(t, split, "expected a segment starting at the content shift")
}

func TestSegmentsCancel(t *testing.T) {
	input := bytes.Repeat([]byte{0xee}, 64*BlockSize)

	ctx, cancel := context.WithCancel(context.Background())
	segments, err := Segments(ctx, bytes.NewReader(input), Level1, nil)
	assert.Ok(t, err)

	<-segments
	cancel()

	var last Segment
	for s := range segments {
		last = s
	}
	assert.Cond(t, errors.Is(last.Error, context.Canceled), "expected the canceled error in-band")
}

func TestSegmentsValidation(t *testing.T) {
	_, err := Segments(context.Background(), nil, Level3, nil)
	assert.Cond(t, err != nil, "nil reader must be rejected")

	_, err = Segments(context.Background(), bytes.NewReader(nil), Strategy(9), nil)
	assert.Cond(t, errors.Is(err, ErrInvalidStrategy), "want ErrInvalidStrategy")
}

// TestDescribeDigests pins the weak identity to published murmur3 reference
// digests and the strong identity to an independent SHA-256, so a hash
// implementation that produces different values cannot slip in.
func TestDescribeDigests(t *testing.T) {
	tests := []struct {
		payload string
		weak    uint32
	}{
		{"", 0x00000000},
		{"hello", 0x248bfa47},
		{"hello, world", 0x149bbb7f},
		{"19 Jan 2038 at 3:14:07 AM", 0xe31e8a70},
		{"The quick brown fox jumps over the lazy dog", 0x2e4ff723},
	}

	for _, tt := range tests {
		s := describe([]byte(tt.payload), 3, sha256.New())
		assert.Equals(t, tt.weak, s.Weak)
		assert.Equals(t, int64(3), s.Offset)
		assert.Equals(t, len(tt.payload), s.Size)

		want := sha256.Sum256([]byte(tt.payload))
		assert.Equals(t, want[:], s.Strong)
	}
}

func TestIndex(t *testing.T) {
	input := bytes.Repeat([]byte{0x42}, 4*BlockSize)

	segments, err := Segments(context.Background(), bytes.NewReader(input), Level2, nil)
	assert.Ok(t, err)

	table, err := Index(context.Background(), segments)
	assert.Ok(t, err)
	assert.Equals(t, 1, len(table))
	for _, group := range table {
		assert.Equals(t, 4, len(group))
	}
}

func TestIndexSkipsErroredSegments(t *testing.T) {
	c := make(chan Segment, 2)
	c <- Segment{Error: errors.New("broken pipe")}
	c <- Segment{Weak: 7, Size: 1}
	close(c)

	table, err := Index(context.Background(), c)
	assert.Ok(t, err)
	assert.Equals(t, 1, len(table))
	assert.Equals(t, 1, len(table[7]))
}

func TestIndexCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := make(chan Segment, 1)
	c <- Segment{Weak: 1}
	close(c)

	_, err := Index(ctx, c)
	assert.Cond(t, errors.Is(err, context.Canceled), "expected the canceled error")
}
