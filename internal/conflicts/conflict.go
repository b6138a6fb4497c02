package conflicts

import (
	"time"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

type Kind string

const (
	KindVersion        Kind = "version"
	KindConcurrentEdit Kind = "concurrent_edit"
	KindDuplicate      Kind = "duplicate"
	KindConstraint     Kind = "constraint"
	KindPermission     Kind = "permission"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Conflict is a domain-level disagreement found by one of the Detector
// checks. It stays in the Log until resolved or cleared.
type Conflict struct {
	ID                  string            `json:"id"`
	Kind                Kind              `json:"kind"`
	Severity            Severity          `json:"severity"`
	Resource            string            `json:"resource"`
	ResourceID          string            `json:"resourceId,omitempty"`
	ConflictingData     optimistic.Record `json:"conflictingData,omitempty"`
	CurrentData         optimistic.Record `json:"currentData,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
	Description         string            `json:"description"`
	SuggestedResolution string            `json:"suggestedResolution,omitempty"`
	AutoResolvable      bool              `json:"autoResolvable"`
}

func (c Conflict) clone() Conflict {
	c.ConflictingData = c.ConflictingData.Clone()
	c.CurrentData = c.CurrentData.Clone()
	return c
}
