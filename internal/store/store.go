package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names a logical document set.
type Collection string

const (
	CollectionProjects        Collection = "projects"
	CollectionProjectMetadata Collection = "project_metadata"
	CollectionComments        Collection = "comments"
	CollectionThreads         Collection = "threads"
)

// Index names a secondary lookup over a collection.
type Index string

const (
	IndexByProject Index = "by-project"
	IndexByFrame   Index = "by-frame"
)

// ErrNotFound indicates that no document exists for the requested key.
var ErrNotFound = errors.New("store: document not found")

// ErrUnknownIndex indicates a lookup on an index the store does not maintain.
var ErrUnknownIndex = errors.New("store: unknown index")

// Keys carries the secondary index values recorded alongside a document.
type Keys struct {
	ProjectID string
	FrameID   string
}

// Store is the durable key-value capability the services persist through.
type Store interface {
	Get(ctx context.Context, collection Collection, id string) ([]byte, error)
	Put(ctx context.Context, collection Collection, id string, keys Keys, payload []byte) error
	Delete(ctx context.Context, collection Collection, id string) error
	GetAllByIndex(ctx context.Context, collection Collection, index Index, value string) ([][]byte, error)
	GetAll(ctx context.Context, collection Collection) ([][]byte, error)
}

// GetJSON loads and decodes a single document.
func GetJSON[T any](ctx context.Context, documents Store, collection Collection, id string) (T, error) {
	var value T
	payload, err := documents.Get(ctx, collection, id)
	if err != nil {
		return value, err
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return value, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return value, nil
}

// PutJSON encodes and upserts a single document.
func PutJSON(ctx context.Context, documents Store, collection Collection, id string, keys Keys, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return documents.Put(ctx, collection, id, keys, payload)
}

// ListJSONByIndex loads and decodes every document matching the index value.
func ListJSONByIndex[T any](ctx context.Context, documents Store, collection Collection, index Index, value string) ([]T, error) {
	payloads, err := documents.GetAllByIndex(ctx, collection, index, value)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](collection, payloads)
}

// ListJSON loads and decodes every document in the collection.
func ListJSON[T any](ctx context.Context, documents Store, collection Collection) ([]T, error) {
	payloads, err := documents.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](collection, payloads)
}

func decodeAll[T any](collection Collection, payloads [][]byte) ([]T, error) {
	values := make([]T, 0, len(payloads))
	for _, payload := range payloads {
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		values = append(values, value)
	}
	return values, nil
}
