package optimistic

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Strategy string

const (
	ClientWins Strategy = "client-wins"
	ServerWins Strategy = "server-wins"
	Merge      Strategy = "merge"
	Custom     Strategy = "custom"
	PromptUser Strategy = "prompt-user"
)

func (s Strategy) Valid() bool {
	switch s {
	case ClientWins, ServerWins, Merge, Custom, PromptUser:
		return true
	}
	return false
}

// DefaultIgnoreKeys are bookkeeping fields that never count as a conflict.
var DefaultIgnoreKeys = []string{"id", "timestamp", "updatedAt"}

// ResolveFunc decides the value to keep when a speculative client value and
// the confirmed server value disagree.
type ResolveFunc func(client, server Record) Record

// ConflictingFields lists the keys present in either value whose values
// differ, skipping ignoreKeys. A nil ignoreKeys uses DefaultIgnoreKeys. A key
// missing on one side differs from any value on the other, including nil.
func ConflictingFields(client, server Record, ignoreKeys []string) []string {
	if ignoreKeys == nil {
		ignoreKeys = DefaultIgnoreKeys
	}
	seen := make(map[string]struct{}, len(client)+len(server))
	var fields []string
	check := func(key string) {
		if _, done := seen[key]; done {
			return
		}
		seen[key] = struct{}{}
		if contains(ignoreKeys, key) {
			return
		}
		cv, inClient := client[key]
		sv, inServer := server[key]
		if inClient != inServer || !ValuesEqual(cv, sv) {
			fields = append(fields, key)
		}
	}
	for key := range client {
		check(key)
	}
	for key := range server {
		check(key)
	}
	sort.Strings(fields)
	return fields
}

// DetectFieldConflicts reports whether any non-ignored key differs between
// the two values.
func DetectFieldConflicts(client, server Record, ignoreKeys ...string) bool {
	var ignore []string
	if len(ignoreKeys) > 0 {
		ignore = ignoreKeys
	}
	return len(ConflictingFields(client, server, ignore)) > 0
}

// ResolveConflict applies a non-interactive strategy. For PromptUser it
// returns the server value, which is the interim value shown until a decision
// arrives.
func ResolveConflict(client, server Record, strategy Strategy, custom ResolveFunc) (Record, error) {
	switch strategy {
	case ClientWins:
		return overlay(server, client), nil
	case ServerWins, PromptUser:
		return server.Clone(), nil
	case Merge:
		return overlay(client, server), nil
	case Custom:
		if custom == nil {
			return nil, fmt.Errorf("%w: custom strategy without resolver", ErrInvalidInput)
		}
		return custom(client.Clone(), server.Clone()), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, strategy)
	}
}

// overlay copies base and writes every key of top over it.
func overlay(base, top Record) Record {
	out := base.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range top {
		out[k] = cloneValue(v)
	}
	return out
}

// PendingResolution is an unresolved prompt-user conflict. The entry stays
// pending until Complete or CompleteWith is called.
type PendingResolution struct {
	EntryID string
	Client  Record
	Server  Record
	Fields  []string

	once    sync.Once
	done    chan struct{}
	value   Record
	dropped bool
}

func newPendingResolution(entryID string, client, server Record, fields []string) *PendingResolution {
	return &PendingResolution{
		EntryID: entryID,
		Client:  client.Clone(),
		Server:  server.Clone(),
		Fields:  fields,
		done:    make(chan struct{}),
	}
}

// Interim is the value in effect until the decision arrives.
func (p *PendingResolution) Interim() Record {
	return p.Server.Clone()
}

// Complete supplies the chosen value. Only the first call has an effect.
func (p *PendingResolution) Complete(value Record) bool {
	completed := false
	p.once.Do(func() {
		p.value = value.Clone()
		completed = true
		close(p.done)
	})
	return completed
}

// CompleteWith resolves using one of the non-interactive strategies.
func (p *PendingResolution) CompleteWith(strategy Strategy, custom ResolveFunc) (bool, error) {
	if strategy == PromptUser {
		return false, fmt.Errorf("%w: prompt-user cannot complete itself", ErrInvalidInput)
	}
	value, err := ResolveConflict(p.Client, p.Server, strategy, custom)
	if err != nil {
		return false, err
	}
	return p.Complete(value), nil
}

// drop closes the handle without a decision, as when the entry is rolled
// back. Later Complete calls have no effect.
func (p *PendingResolution) drop() {
	p.once.Do(func() {
		p.dropped = true
		close(p.done)
	})
}

// Done is closed once the decision arrives or the handle is dropped.
func (p *PendingResolution) Done() <-chan struct{} {
	return p.done
}

// Wait blocks for the decision. It returns ErrResolutionDropped when the
// entry was rolled back first.
func (p *PendingResolution) Wait(ctx context.Context) (Record, error) {
	select {
	case <-p.done:
		if p.dropped {
			return nil, ErrResolutionDropped
		}
		return p.value.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolver binds a strategy to its callbacks.
type Resolver struct {
	Strategy   Strategy
	Custom     ResolveFunc
	OnConflict func(*PendingResolution)
}

// Resolve returns the value to confirm, or a pending handle for PromptUser.
func (r Resolver) Resolve(entryID string, client, server Record, fields []string) (Record, *PendingResolution, error) {
	strategy := r.Strategy
	if strategy == "" {
		strategy = ServerWins
	}
	if strategy == PromptUser {
		pending := newPendingResolution(entryID, client, server, fields)
		if r.OnConflict != nil {
			r.OnConflict(pending)
		}
		return pending.Interim(), pending, nil
	}
	value, err := ResolveConflict(client, server, strategy, r.Custom)
	return value, nil, err
}
