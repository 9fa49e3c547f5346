package blocksplit

import (
	"context"
	"hash"
	"io"

	"github.com/golang/glog"
	sha256 "github.com/minio/sha256-simd"
	"github.com/pkg/errors"
	"github.com/twmb/murmur3"
)

// Segment describes one contiguous run of content within a stream. Payload
// bytes are not carried: the read buffer is reused, so segments identify
// their data by offset, size and digests, and framing the underlying bytes
// remains the caller's job.
type Segment struct {
	// Offset is the byte position of the segment within the stream.
	Offset int64
	// Size is the segment length in bytes.
	Size int
	// Weak is a fast murmur3 identity of the segment payload, good enough
	// for grouping repeated segments.
	Weak uint32
	// Strong is the strong digest of the segment payload.
	Strong []byte
	// Error is used to report a failure reading the stream.
	Error error
}

// Segments reads r in BlockSize blocks and pipes out one segment per
// contiguous content run on the returning channel, closing it when the
// stream ends or the context is cancelled. A block whose byte distribution
// shifts partway produces two segments split at the detected chunk boundary.
// The trailing partial block is still scanned while it holds at least two
// whole chunks; anything shorter passes through as a single segment.
// This function does not block and returns immediately.
//
// If shash is nil, SHA-256 is used for the strong digest.
func Segments(ctx context.Context, r io.Reader, strat Strategy, shash hash.Hash) (<-chan Segment, error) {
	if !strat.valid() {
		return nil, errors.Wrapf(ErrInvalidStrategy, "strategy %d", strat)
	}
	if r == nil {
		return nil, errors.New("blocksplit: reader required")
	}
	if shash == nil {
		shash = sha256.New()
	}

	out := make(chan Segment)

	go func() {
		defer close(out)

		var (
			ws     Scratch
			offset int64
		)
		buffer := make([]byte, BlockSize)

		for {
			// Allow for cancellation.
			select {
			case <-ctx.Done():
				out <- Segment{Error: ctx.Err()}
				return
			default:
				// break out of the select block and continue reading
				break
			}

			n, err := io.ReadFull(r, buffer)
			if err == io.EOF {
				return
			}
			if err != nil && err != io.ErrUnexpectedEOF {
				out <- Segment{Error: errors.Wrapf(err, "failed reading block")}
				return
			}

			block := buffer[:n]
			pos := n
			if n >= 2*ChunkSize {
				pos = splitByChunks(block, strat, &ws)
			}

			if pos < n {
				glog.V(2).Infof("blocksplit: content shift at offset %d", offset+int64(pos))
				out <- describe(block[:pos], offset, shash)
				out <- describe(block[pos:], offset+int64(pos), shash)
			} else {
				out <- describe(block, offset, shash)
			}
			offset += int64(n)

			if err == io.ErrUnexpectedEOF {
				return
			}
		}
	}()

	return out, nil
}

// describe computes the weak and strong identities of one segment payload.
func describe(payload []byte, offset int64, shash hash.Hash) Segment {
	shash.Reset()
	shash.Write(payload)

	return Segment{
		Offset: offset,
		Size:   len(payload),
		Weak:   murmur3.Sum32(payload),
		Strong: shash.Sum(nil),
	}
}

// Index drains a segment channel into a lookup table keyed by weak identity,
// for the caller to spot repeated segments across a stream. Segments carrying
// errors are skipped so the rest of the stream still gets indexed. The caller
// must close the channel or cancel the context when done.
func Index(ctx context.Context, segments <-chan Segment) (map[uint32][]Segment, error) {
	table := make(map[uint32][]Segment)
	for s := range segments {
		select {
		case <-ctx.Done():
			return table, errors.Wrapf(ctx.Err(), "failed indexing segments")
		default:
			// break out of the select block and continue reading
			break
		}

		if s.Error != nil {
			glog.Warningf("blocksplit: segment error: %+v", s.Error)
			continue
		}
		table[s.Weak] = append(table[s.Weak], s)
	}

	return table, nil
}
