package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidInput    = errors.New("invalid input")
	ErrClosed          = errors.New("store closed")
)

// VersionConflictError is returned when a write names a version other than
// the stored one.
type VersionConflictError struct {
	Collection      string
	ID              string
	ExpectedVersion int64
	CurrentVersion  int64
	Current         optimistic.Record
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected %d, current %d", e.Collection, e.ID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// Document is the stored form of one record: an id, a version that grows by
// one on every write, and the caller's fields.
type Document struct {
	ID        string            `json:"id"`
	Version   int64             `json:"version"`
	Data      optimistic.Record `json:"data"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Reserved keys are managed by the store and never kept inside Data.
var reservedKeys = []string{"id", "version", "updatedAt"}

// Record flattens the document into one value with the reserved keys set.
func (d Document) Record() optimistic.Record {
	out := d.Data.Clone()
	if out == nil {
		out = optimistic.Record{}
	}
	out["id"] = d.ID
	out["version"] = d.Version
	if !d.UpdatedAt.IsZero() {
		out["updatedAt"] = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// SplitRecord separates the reserved keys from a flat record.
func SplitRecord(r optimistic.Record) (id string, version int64, data optimistic.Record) {
	data = optimistic.Record{}
	for k, v := range r {
		switch k {
		case "id":
			if v != nil {
				id = strings.TrimSpace(fmt.Sprint(v))
			}
		case "version":
			version, _ = toInt64(v)
		case "updatedAt":
		default:
			data[k] = v
		}
	}
	return id, version, data.Clone()
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			return int64(f), ferr == nil
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func encodeDocument(d Document) ([]byte, error) {
	return json.Marshal(d)
}

func decodeDocument(payload []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(payload, &d); err != nil {
		return Document{}, err
	}
	return d, nil
}
