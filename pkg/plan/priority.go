package plan

import (
	"fmt"
	"strings"
)

// Priority is the latency class of an operation. Lower values drain
// first.
type Priority int

const (
	PriorityCritical = Priority(iota)
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}
