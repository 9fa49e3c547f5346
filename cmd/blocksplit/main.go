package main

import (
	"context"
	goflag "flag"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/c4milo/blocksplit"
)

var (
	strategyFlag int
	zstdLevel    int
)

func main() {
	os.Exit(run())
}

// run executes the command tree and reports the process exit code. Failures
// surface as a return value rather than a direct exit, keeping the deferred
// log flush on the error path too.
func run() int {
	defer glog.Flush()

	root := &cobra.Command{
		Use:   "blocksplit",
		Short: "Detect content shifts inside fixed-size data blocks",
	}
	root.PersistentFlags().IntVarP(&strategyFlag, "strategy", "s", 3, "Split strategy, 1 (fastest) to 3 (finest)")
	// glog logs through the standard flag package; adopt its flags and mark
	// them parsed so it writes without complaining.
	root.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	goflag.CommandLine.Parse(nil)

	scanCmd := &cobra.Command{
		Use:   "scan [file]",
		Short: "Print the content segments of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return scan(args[0])
		},
	}

	ratioCmd := &cobra.Command{
		Use:   "ratio [file]",
		Short: "Compare zstd output size with and without block splitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ratio(args[0])
		},
	}
	ratioCmd.Flags().IntVar(&zstdLevel, "level", 3, "zstd compression level")

	root.AddCommand(scanCmd, ratioCmd)
	if err := root.Execute(); err != nil {
		fmt.Println("Error:", err)
		return 1
	}
	return 0
}

func strategy() (blocksplit.Strategy, error) {
	switch strategyFlag {
	case 1:
		return blocksplit.Level1, nil
	case 2:
		return blocksplit.Level2, nil
	case 3:
		return blocksplit.Level3, nil
	}
	return 0, errors.Wrapf(blocksplit.ErrInvalidStrategy, "flag value %d", strategyFlag)
}

// scan streams the file through the segment pipeline and prints one line per
// segment.
func scan(path string) error {
	strat, err := strategy()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed opening %s", path)
	}
	defer f.Close()

	segments, err := blocksplit.Segments(context.Background(), f, strat, nil)
	if err != nil {
		return err
	}

	fmt.Printf("%10s %9s %9s  %s\n", "OFFSET", "SIZE", "WEAK", "STRONG")
	var count int
	var total int64
	for s := range segments {
		if s.Error != nil {
			return s.Error
		}
		fmt.Printf("%10d %9d  %08x  %x\n", s.Offset, s.Size, s.Weak, s.Strong)
		count++
		total += int64(s.Size)
	}
	fmt.Printf("%d segments, %d bytes\n", count, total)

	return nil
}

// ratio compresses every block of the file twice, whole and split at the
// detected shift, and reports the size difference.
func ratio(path string) error {
	strat, err := strategy()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed opening %s", path)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)))
	if err != nil {
		return errors.Wrapf(err, "failed creating zstd encoder")
	}
	defer enc.Close()

	var ws blocksplit.Scratch
	buffer := make([]byte, blocksplit.BlockSize)

	var whole, split int64
	var blocks, shifts int
	for {
		n, err := io.ReadFull(f, buffer)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return errors.Wrapf(err, "failed reading block")
		}

		block := buffer[:n]
		w := len(enc.EncodeAll(block, nil))
		whole += int64(w)

		pos := n
		if n == blocksplit.BlockSize {
			pos, err = blocksplit.SplitPoint(block, strat, &ws)
			if err != nil {
				return err
			}
		}

		if pos < n {
			shifts++
			s := len(enc.EncodeAll(block[:pos], nil)) + len(enc.EncodeAll(block[pos:], nil))
			split += int64(s)
			glog.V(1).Infof("block %d: shift at +%d", blocks, pos)
		} else {
			split += int64(w)
		}
		blocks++

		if n < blocksplit.BlockSize {
			break
		}
	}

	if whole == 0 {
		return errors.New("empty file")
	}

	fmt.Printf("blocks: %d, shifts detected: %d\n", blocks, shifts)
	fmt.Printf("whole blocks: %9d bytes compressed\n", whole)
	fmt.Printf("split blocks: %9d bytes compressed (%+.2f%%)\n", split,
		100*float64(split-whole)/float64(whole))

	return nil
}
