// Package store defines the engine's contract with the host's document
// storage. The engine never interprets a document beyond the handful of
// fields it reads (owner id, invitation status, user email/role); every
// call is an opaque async operation that may fail transiently or with
// ErrNotFound.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist in the target
// collection.
var ErrNotFound = errors.New("store: record not found")

// Doc is a schemaless document record.
type Doc map[string]any

// ID returns the document's string id, if present.
func (d Doc) ID() string {
	s, _ := d["id"].(string)
	return s
}

// Str returns the named field as a string, or "" if absent or not a string.
func (d Doc) Str(field string) string {
	s, _ := d[field].(string)
	return s
}

// Bool returns the named field as a bool, or false if absent.
func (d Doc) Bool(field string) bool {
	b, _ := d[field].(bool)
	return b
}

// Filter is an equality match over document fields.
type Filter map[string]any

// Store is the document-store surface consumed by the engine.
type Store interface {
	// FindByID fetches one record by id.
	FindByID(ctx context.Context, collection, id string) (Doc, error)

	// Find queries records matching the filter, up to limit.
	// A limit of 0 means no limit.
	Find(ctx context.Context, collection string, filter Filter, limit int) ([]Doc, error)

	// Create inserts a record and returns it as stored.
	Create(ctx context.Context, collection string, doc Doc) (Doc, error)

	// Update patches a record by id and returns the updated record.
	Update(ctx context.Context, collection, id string, patch Doc) (Doc, error)
}
