package orchestrator

import (
	"context"
	"errors"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/provider"
)

// Outcome is the typed result of one sync run
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeAuthExpired Outcome = "auth_expired"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeTransient   Outcome = "transient"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeInProgress  Outcome = "in_progress"
	OutcomeFailed      Outcome = "failed"
)

// Result reports one provider/entity sync
type Result struct {
	Provider canonical.Provider   `json:"provider"`
	Entity   canonical.EntityType `json:"entity"`
	Window   canonical.Window     `json:"-"`
	Outcome  Outcome              `json:"outcome"`
	Error    string               `json:"error,omitempty"`

	// Upserted counts records that were inserted, updated or reclassified
	Upserted     int `json:"upserted"`
	Inserted     int `json:"inserted"`
	Updated      int `json:"updated"`
	Unchanged    int `json:"unchanged"`
	Reclassified int `json:"reclassified"`
	Conflicts    int `json:"conflicts"`
	// Skipped counts records that failed normalization
	Skipped int `json:"skipped"`
	// Filtered counts records the adapter dropped as not genuine
	Filtered int `json:"filtered"`

	Coalesced bool `json:"coalesced,omitempty"`
}

// OK reports whether the run succeeded
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

func (r *Result) count(res database.UpsertResult) {
	switch res {
	case database.Inserted:
		r.Inserted++
		r.Upserted++
	case database.Updated:
		r.Updated++
		r.Upserted++
	case database.Reclassified:
		r.Reclassified++
		r.Upserted++
	case database.Unchanged:
		r.Unchanged++
	case database.Conflict:
		r.Conflicts++
	}
}

// Summary aggregates the per-provider results of one entity sync
type Summary struct {
	Upserted int      `json:"upserted"`
	Outcome  Outcome  `json:"outcome"`
	Results  []Result `json:"results"`
}

// newSummary reports success only when every provider succeeded; otherwise
// the first failing provider's outcome is surfaced.
func newSummary(results []Result) Summary {
	s := Summary{Outcome: OutcomeSuccess, Results: results}
	for _, r := range results {
		s.Upserted += r.Upserted
		if s.Outcome == OutcomeSuccess && !r.OK() {
			s.Outcome = r.Outcome
		}
	}
	return s
}

// outcomeOf classifies a run error
func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrNeedsReauth), provider.IsAuthExpired(err):
		return OutcomeAuthExpired
	case provider.IsRateLimited(err):
		return OutcomeRateLimited
	case provider.IsTransient(err):
		return OutcomeTransient
	case provider.IsMalformed(err):
		return OutcomeMalformed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.Is(err, database.ErrSyncInProgress):
		return OutcomeInProgress
	}
	return OutcomeFailed
}

func coalescedTotal(req Request) {
	metrics.SyncCoalescedTotal.WithLabelValues(string(req.Provider), string(req.Entity)).Inc()
}
