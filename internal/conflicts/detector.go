package conflicts

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaymutate/internal/clock"
	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

const DefaultConcurrentEditWindow = 30 * time.Second

type DetectorOptions struct {
	Clock clock.Clock
	// ConcurrentEditWindow is how recently the last sync must have happened
	// for differing fields to count as a concurrent edit.
	ConcurrentEditWindow time.Duration
	NewID                func() string
}

// Detector runs the domain conflict checks. Every conflict it finds is
// appended to its Log before being returned.
type Detector struct {
	log    *Log
	clock  clock.Clock
	window time.Duration
	newID  func() string
}

func NewDetector(log *Log, opts DetectorOptions) *Detector {
	if log == nil {
		log = NewLog(LogOptions{})
	}
	window := opts.ConcurrentEditWindow
	if window <= 0 {
		window = DefaultConcurrentEditWindow
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Detector{
		log:    log,
		clock:  clock.OrReal(opts.Clock),
		window: window,
		newID:  newID,
	}
}

func (d *Detector) Log() *Log {
	return d.log
}

// DetectVersion reports a conflict when the local and server versions differ.
func (d *Detector) DetectVersion(resource, id string, localVersion, serverVersion int64, local, server optimistic.Record) *Conflict {
	if localVersion == serverVersion {
		return nil
	}
	return d.record(Conflict{
		Kind:                KindVersion,
		Severity:            SeverityHigh,
		Resource:            resource,
		ResourceID:          id,
		ConflictingData:     local,
		CurrentData:         server,
		Description:         fmt.Sprintf("%s %s is at version %d, local copy is at version %d", resource, id, serverVersion, localVersion),
		SuggestedResolution: "reload the latest version and reapply the change",
		AutoResolvable:      true,
	})
}

// DetectConcurrentEdit reports a conflict when a field present on both sides
// differs and the last sync is inside the concurrent edit window.
func (d *Detector) DetectConcurrentEdit(resource, id string, local, server optimistic.Record, lastSync time.Time) *Conflict {
	if d.clock.Now().Sub(lastSync) >= d.window {
		return nil
	}
	var fields []string
	for key, lv := range local {
		if contains(optimistic.DefaultIgnoreKeys, key) {
			continue
		}
		sv, ok := server[key]
		if ok && !optimistic.ValuesEqual(lv, sv) {
			fields = append(fields, key)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	sort.Strings(fields)
	return d.record(Conflict{
		Kind:                KindConcurrentEdit,
		Severity:            SeverityMedium,
		Resource:            resource,
		ResourceID:          id,
		ConflictingData:     local,
		CurrentData:         server,
		Description:         fmt.Sprintf("%s %s was edited concurrently: %s", resource, id, strings.Join(fields, ", ")),
		SuggestedResolution: "merge the changes field by field",
		AutoResolvable:      true,
	})
}

// DetectDuplicate reports the first existing record that shares a value with
// candidate on any of uniqueFields. Strings compare case-insensitively and
// byte for byte otherwise, so surrounding whitespace makes a value distinct.
func (d *Detector) DetectDuplicate(resource string, candidate optimistic.Record, existing []optimistic.Record, uniqueFields []string) *Conflict {
	for _, record := range existing {
		for _, field := range uniqueFields {
			nv, ok := candidate[field]
			if !ok || isBlank(nv) {
				continue
			}
			ev, ok := record[field]
			if !ok || !sameValue(nv, ev) {
				continue
			}
			existingID := fmt.Sprint(record["id"])
			return d.record(Conflict{
				Kind:                KindDuplicate,
				Severity:            SeverityMedium,
				Resource:            resource,
				ResourceID:          existingID,
				ConflictingData:     candidate,
				CurrentData:         record,
				Description:         fmt.Sprintf("%s %v duplicates %s %s", field, nv, resource, existingID),
				SuggestedResolution: "update the existing record instead of creating a new one",
			})
		}
	}
	return nil
}

// DetectConstraint checks data against rules and reports every violation in
// one conflict.
func (d *Detector) DetectConstraint(resource, id string, data optimistic.Record, rules ...Rule) *Conflict {
	var violations []string
	for _, rule := range rules {
		if rule == nil {
			continue
		}
		if msg := rule.Check(data); msg != "" {
			violations = append(violations, msg)
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return d.record(Conflict{
		Kind:                KindConstraint,
		Severity:            SeverityHigh,
		Resource:            resource,
		ResourceID:          id,
		ConflictingData:     data,
		Description:         strings.Join(violations, "; "),
		SuggestedResolution: "correct the listed fields and resubmit",
	})
}

// DetectPermission reports a conflict when granted lacks any of required.
func (d *Detector) DetectPermission(resource, id, actor string, granted, required []string) *Conflict {
	var missing []string
	for _, perm := range required {
		if !contains(granted, perm) {
			missing = append(missing, perm)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return d.record(Conflict{
		Kind:       KindPermission,
		Severity:   SeverityCritical,
		Resource:   resource,
		ResourceID: id,
		ConflictingData: optimistic.Record{
			"actor":    actor,
			"required": toAny(required),
			"missing":  toAny(missing),
		},
		CurrentData:         optimistic.Record{"granted": toAny(granted)},
		Description:         fmt.Sprintf("%s lacks %s on %s %s", actor, strings.Join(missing, ", "), resource, id),
		SuggestedResolution: "request the missing permissions from an administrator",
	})
}

func (d *Detector) record(c Conflict) *Conflict {
	c.ID = d.newID()
	c.Timestamp = d.clock.Now()
	c = c.clone()
	d.log.Append(c)
	return &c
}

func sameValue(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(as, bs)
	}
	return optimistic.ValuesEqual(a, b)
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

func toAny(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
