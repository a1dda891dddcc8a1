package backfill

import (
	"errors"
	"fmt"
	"time"
)

// Range is an inclusive block range.
type Range struct {
	From uint64 `json:"from_block"`
	To   uint64 `json:"to_block"`
}

// Len returns the number of blocks in r.
func (r Range) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.From, r.To)
}

// Validate rejects inverted ranges.
func (r Range) Validate() error {
	if r.To < r.From {
		return fmt.Errorf("invalid range: from %d > to %d", r.From, r.To)
	}
	return nil
}

// SplitRange chunks r into consecutive sub-ranges of at most size blocks,
// in increasing order. A size of zero returns r unsplit.
func SplitRange(r Range, size uint64) []Range {
	if r.Len() == 0 {
		return nil
	}
	if size == 0 || r.Len() <= size {
		return []Range{r}
	}

	chunks := make([]Range, 0, (r.Len()+size-1)/size)
	for from := r.From; ; from += size {
		to := from + size - 1
		if to >= r.To || to < from {
			chunks = append(chunks, Range{From: from, To: r.To})
			break
		}
		chunks = append(chunks, Range{From: from, To: to})
	}
	return chunks
}

// bisect splits r into two halves. r must hold at least two blocks.
func bisect(r Range) (Range, Range) {
	mid := r.From + r.Len()/2 - 1
	return Range{From: r.From, To: mid}, Range{From: mid + 1, To: r.To}
}

// ResolveRange converts a trailing time window into a block range ending
// confirmations blocks below head.
func ResolveRange(head uint64, window, blockTime time.Duration, confirmations uint64) (Range, error) {
	if blockTime <= 0 {
		return Range{}, errors.New("block time must be positive")
	}
	if window <= 0 {
		return Range{}, errors.New("window must be positive")
	}
	if confirmations > head {
		return Range{}, fmt.Errorf("head %d below confirmation depth %d", head, confirmations)
	}

	to := head - confirmations
	blocks := uint64(window / blockTime)
	if blocks == 0 {
		blocks = 1
	}

	from := uint64(0)
	if blocks <= to {
		from = to - blocks
	}
	return Range{From: from, To: to}, nil
}
