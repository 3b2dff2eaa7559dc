package intercept

import "sync/atomic"

// Stats holds per-session counters.
type Stats struct {
	Paused                atomic.Int64
	RequestPauses         atomic.Int64
	ResponsePauses        atomic.Int64
	ContinuedUnmodified   atomic.Int64
	ContinuedOverridden   atomic.Int64
	PassedThrough         atomic.Int64
	CancellationsSeen     atomic.Int64
	CancellationsAbsorbed atomic.Int64
	BodyUnavailable       atomic.Int64
	HandlerErrors         atomic.Int64
	CommandErrors         atomic.Int64
	PendingSwept          atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Paused                int64 `json:"paused"`
	RequestPauses         int64 `json:"request_pauses"`
	ResponsePauses        int64 `json:"response_pauses"`
	ContinuedUnmodified   int64 `json:"continued_unmodified"`
	ContinuedOverridden   int64 `json:"continued_overridden"`
	PassedThrough         int64 `json:"passed_through"`
	CancellationsSeen     int64 `json:"cancellations_seen"`
	CancellationsAbsorbed int64 `json:"cancellations_absorbed"`
	BodyUnavailable       int64 `json:"body_unavailable"`
	HandlerErrors         int64 `json:"handler_errors"`
	CommandErrors         int64 `json:"command_errors"`
	PendingSwept          int64 `json:"pending_swept"`
	PendingContinuations  int   `json:"pending_continuations"`
	InFlight              int   `json:"in_flight"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Paused:                s.Paused.Load(),
		RequestPauses:         s.RequestPauses.Load(),
		ResponsePauses:        s.ResponsePauses.Load(),
		ContinuedUnmodified:   s.ContinuedUnmodified.Load(),
		ContinuedOverridden:   s.ContinuedOverridden.Load(),
		PassedThrough:         s.PassedThrough.Load(),
		CancellationsSeen:     s.CancellationsSeen.Load(),
		CancellationsAbsorbed: s.CancellationsAbsorbed.Load(),
		BodyUnavailable:       s.BodyUnavailable.Load(),
		HandlerErrors:         s.HandlerErrors.Load(),
		CommandErrors:         s.CommandErrors.Load(),
		PendingSwept:          s.PendingSwept.Load(),
	}
}

// Add sums two snapshots.
func (a StatsSnapshot) Add(b StatsSnapshot) StatsSnapshot {
	return StatsSnapshot{
		Paused:                a.Paused + b.Paused,
		RequestPauses:         a.RequestPauses + b.RequestPauses,
		ResponsePauses:        a.ResponsePauses + b.ResponsePauses,
		ContinuedUnmodified:   a.ContinuedUnmodified + b.ContinuedUnmodified,
		ContinuedOverridden:   a.ContinuedOverridden + b.ContinuedOverridden,
		PassedThrough:         a.PassedThrough + b.PassedThrough,
		CancellationsSeen:     a.CancellationsSeen + b.CancellationsSeen,
		CancellationsAbsorbed: a.CancellationsAbsorbed + b.CancellationsAbsorbed,
		BodyUnavailable:       a.BodyUnavailable + b.BodyUnavailable,
		HandlerErrors:         a.HandlerErrors + b.HandlerErrors,
		CommandErrors:         a.CommandErrors + b.CommandErrors,
		PendingSwept:          a.PendingSwept + b.PendingSwept,
		PendingContinuations:  a.PendingContinuations + b.PendingContinuations,
		InFlight:              a.InFlight + b.InFlight,
	}
}
