package backfill

import (
	"context"
	"time"

	"github.com/marko911/polymarket-indexer/internal/chain"
	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/pipeline"
)

// State is the phase a backfill run is in.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateParsing
	StateDeduplicating
	StateEnriching
	StatePersisting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateParsing:
		return "parsing"
	case StateDeduplicating:
		return "deduplicating"
	case StateEnriching:
		return "enriching"
	case StatePersisting:
		return "persisting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LogSource fetches historical logs.
type LogSource interface {
	FetchRange(ctx context.Context, from, to uint64) ([]chain.RawLog, error)
}

// EntityProcessor enriches and persists markets.
type EntityProcessor interface {
	Enrich(ctx context.Context, ev ctf.RegistrationEvent) pipeline.Enriched
	Persist(ctx context.Context, e pipeline.Enriched) pipeline.Result
}

// Checkpointer stores the last block a completed run covered.
type Checkpointer interface {
	LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error)
	SaveCheckpoint(ctx context.Context, name string, block uint64) error
}

// GapReporter is told about sub-ranges a run could not fetch.
type GapReporter interface {
	ReportGap(ctx context.Context, runID string, gap Gap) error
}

// Gap is a sub-range skipped after its fetch retries ran out.
type Gap struct {
	Range
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
}

// Summary is the outcome of one run.
type Summary struct {
	RunID          string        `json:"run_id"`
	Range          Range         `json:"range"`
	SubRanges      int           `json:"sub_ranges"`
	LogsFetched    int           `json:"logs_fetched"`
	DecodeFailures int           `json:"decode_failures"`
	UniqueMarkets  int           `json:"unique_markets"`
	Inserted       int           `json:"inserted"`
	Updated        int           `json:"updated"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	TagsInserted   int           `json:"tags_inserted"`
	TagsFailed     int           `json:"tags_failed"`
	NoMetadata     int           `json:"metadata_missing"`
	Gaps           []Gap         `json:"gaps,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// ContiguousTo returns the highest block below which every block of the run
// was fetched, and false when the first sub-range was itself a gap.
func (s *Summary) ContiguousTo() (uint64, bool) {
	end := s.Range.To
	for _, g := range s.Gaps {
		if g.From <= s.Range.From {
			return 0, false
		}
		if g.From-1 < end {
			end = g.From - 1
		}
	}
	return end, true
}

func (s *Summary) logAttrs() []any {
	return []any{
		"from_block", s.Range.From,
		"to_block", s.Range.To,
		"sub_ranges", s.SubRanges,
		"logs", s.LogsFetched,
		"decode_failures", s.DecodeFailures,
		"markets", s.UniqueMarkets,
		"inserted", s.Inserted,
		"updated", s.Updated,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"tags_inserted", s.TagsInserted,
		"tags_failed", s.TagsFailed,
		"metadata_missing", s.NoMetadata,
		"gaps", len(s.Gaps),
		"duration", s.Duration,
	}
}
