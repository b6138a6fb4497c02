package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

// RemoteOperations exposes a collection as remote operations for the
// optimistic executor. Vars are flat records: "id" and "version" are read
// from them and every other key is document data. Results are flat records
// too.
type RemoteOperations struct {
	Create optimistic.RemoteOperation
	Update optimistic.RemoteOperation
	Upsert optimistic.RemoteOperation
	Delete optimistic.RemoteOperation
}

func Operations(coll Collection) RemoteOperations {
	return RemoteOperations{
		Create: func(ctx context.Context, vars optimistic.Record) (optimistic.Record, error) {
			id, _, data := SplitRecord(vars)
			doc, err := coll.Create(ctx, id, data)
			if err != nil {
				return nil, err
			}
			return doc.Record(), nil
		},
		Update: func(ctx context.Context, vars optimistic.Record) (optimistic.Record, error) {
			id, version, data := SplitRecord(vars)
			if id == "" {
				return nil, fmt.Errorf("%w: update requires an id", ErrInvalidInput)
			}
			doc, err := coll.Update(ctx, id, version, data)
			if err != nil {
				return nil, err
			}
			return doc.Record(), nil
		},
		Upsert: func(ctx context.Context, vars optimistic.Record) (optimistic.Record, error) {
			id, version, data := SplitRecord(vars)
			if id != "" {
				doc, err := coll.Update(ctx, id, version, data)
				if err == nil {
					return doc.Record(), nil
				}
				if !errors.Is(err, ErrNotFound) {
					return nil, err
				}
			}
			doc, err := coll.Create(ctx, id, data)
			if err != nil {
				return nil, err
			}
			return doc.Record(), nil
		},
		Delete: func(ctx context.Context, vars optimistic.Record) (optimistic.Record, error) {
			id, version, _ := SplitRecord(vars)
			if id == "" {
				return nil, fmt.Errorf("%w: delete requires an id", ErrInvalidInput)
			}
			if err := coll.Delete(ctx, id, version); err != nil {
				return nil, err
			}
			return optimistic.Record{"id": id, "deleted": true}, nil
		},
	}
}

// For maps an executor operation to its remote operation. Custom maps to
// upsert.
func (o RemoteOperations) For(op optimistic.Operation) (optimistic.RemoteOperation, error) {
	switch op {
	case optimistic.OperationCreate:
		return o.Create, nil
	case optimistic.OperationUpdate:
		return o.Update, nil
	case optimistic.OperationDelete:
		return o.Delete, nil
	case optimistic.OperationCustom, "":
		return o.Upsert, nil
	}
	return nil, fmt.Errorf("%w: operation %q", ErrInvalidInput, op)
}

// Records returns every document of coll matching filter in flat form.
func Records(ctx context.Context, coll Collection, filter Filter) ([]optimistic.Record, error) {
	docs, err := coll.Search(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]optimistic.Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Record())
	}
	return out, nil
}
