package model

import (
	"fmt"
	"time"
)

// Semester is an allocation period. Windows and time allocations are scoped
// to exactly one semester by date containment.
type Semester struct {
	ID     string    `json:"id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Public bool      `json:"public"`
}

// Contains reports whether [start, end] lies entirely within the semester.
func (s Semester) Contains(start, end time.Time) bool {
	return !start.Before(s.Start) && !end.After(s.End)
}

// TimeAllocationKey is the bucket unit against which time is allocated and
// consumed: one semester crossed with one telescope class.
type TimeAllocationKey struct {
	SemesterID     string `json:"semester"`
	TelescopeClass string `json:"telescope_class"`
}

func (k TimeAllocationKey) String() string {
	return fmt.Sprintf("%s/%s", k.SemesterID, k.TelescopeClass)
}

// TimeAllocation is one proposal's budget for one bucket. All fields are in
// hours. The used counters and IPPTimeAvailable change only through ledger
// operations.
type TimeAllocation struct {
	ProposalID string            `json:"proposal"`
	Key        TimeAllocationKey `json:"key"`

	StdAllocation    float64 `json:"std_allocation"`
	StdTimeUsed      float64 `json:"std_time_used"`
	TooAllocation    float64 `json:"too_allocation"`
	TooTimeUsed      float64 `json:"too_time_used"`
	IPPLimit         float64 `json:"ipp_limit"`
	IPPTimeAvailable float64 `json:"ipp_time_available"`
}

// IPP legal bounds for a request group's priority-boost value.
const (
	IPPMin = 0.5
	IPPMax = 2.0
)
