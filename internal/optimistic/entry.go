package optimistic

import (
	"time"
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationCustom Operation = "custom"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationCustom:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusRolledBack Status = "rolled_back"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusConfirmed, StatusFailed},
	StatusFailed:   {StatusRetrying, StatusRolledBack},
	StatusRetrying: {StatusConfirmed, StatusFailed},
}

// CanTransition reports whether from → to is an edge of the status machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed, StatusRetrying, StatusRolledBack:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRolledBack
}

// settled statuses are the ones Await returns on.
func (s Status) settled() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusRolledBack
}

type EntryError struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// FeedbackConfig overrides the titles and messages of the feedback emitted for
// an entry, or disables a category.
type FeedbackConfig struct {
	DisableProgress bool   `json:"disableProgress,omitempty" yaml:"disable_progress"`
	DisableSuccess  bool   `json:"disableSuccess,omitempty" yaml:"disable_success"`
	DisableError    bool   `json:"disableError,omitempty" yaml:"disable_error"`
	DisableRollback bool   `json:"disableRollback,omitempty" yaml:"disable_rollback"`
	ProgressTitle   string `json:"progressTitle,omitempty" yaml:"progress_title"`
	ProgressMessage string `json:"progressMessage,omitempty" yaml:"progress_message"`
	SuccessTitle    string `json:"successTitle,omitempty" yaml:"success_title"`
	SuccessMessage  string `json:"successMessage,omitempty" yaml:"success_message"`
	ErrorTitle      string `json:"errorTitle,omitempty" yaml:"error_title"`
	ErrorMessage    string `json:"errorMessage,omitempty" yaml:"error_message"`
	RollbackTitle   string `json:"rollbackTitle,omitempty" yaml:"rollback_title"`
	RollbackMessage string `json:"rollbackMessage,omitempty" yaml:"rollback_message"`
}

type UpdateEntry struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Operation    Operation      `json:"operation"`
	Data         Record         `json:"data"`
	OriginalData Record         `json:"originalData,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Status       Status         `json:"status"`
	RetryCount   int            `json:"retryCount"`
	MaxRetries   int            `json:"maxRetries"`
	Error        *EntryError    `json:"error,omitempty"`
	ConflictData Record         `json:"conflictData,omitempty"`
	EntityType   string         `json:"entityType,omitempty"`
	EntityID     string         `json:"entityId,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	Feedback     FeedbackConfig `json:"feedback"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

func (e UpdateEntry) clone() UpdateEntry {
	out := e
	out.Data = e.Data.Clone()
	out.OriginalData = e.OriginalData.Clone()
	out.ConflictData = e.ConflictData.Clone()
	if e.Error != nil {
		errCopy := *e.Error
		out.Error = &errCopy
	}
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// Patch is a partial change to an entry. Nil fields are left untouched.
type Patch struct {
	Status       *Status
	Data         Record
	OriginalData Record
	Error        *EntryError
	ClearError   bool
	ConflictData Record
	RetryCount   *int
	MaxRetries   *int
	EntityType   *string
	EntityID     *string
	Feedback     *FeedbackConfig
}

// Transition is a typed status change. Err is required when To is failed.
type Transition struct {
	To           Status
	Err          error
	Data         Record
	ConflictData Record
}
