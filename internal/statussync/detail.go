package statussync

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gowebpki/jcs"
)

// ErrNotFound is returned by a StatusReader when the entity does not exist yet.
var ErrNotFound = errors.New("entity not found")

// Entity status values reported by the deployment authority.
const (
	StatusPending    = "pending"
	StatusOpen       = "open"
	StatusActive     = "active"
	StatusProcessing = "processing"
	StatusClosed     = "closed"
	StatusFinalized  = "finalized"
	StatusFailed     = "failed"
)

// EntityDetail is the observed remote state of a deployed contract or factory.
type EntityDetail struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status"`
	Processing bool            `json:"processing,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Active reports whether the entity is in a high-activity phase.
func (d EntityDetail) Active() bool {
	if d.Processing {
		return true
	}
	switch d.Status {
	case StatusOpen, StatusActive, StatusProcessing:
		return true
	}
	return false
}

// StatusReader fetches the current detail of an entity.
type StatusReader interface {
	Detail(ctx context.Context, id string) (EntityDetail, error)
}

// ReaderFunc adapts a function to StatusReader.
type ReaderFunc func(ctx context.Context, id string) (EntityDetail, error)

func (f ReaderFunc) Detail(ctx context.Context, id string) (EntityDetail, error) {
	return f(ctx, id)
}

// fingerprint is the RFC 8785 canonical form of d, so key order and
// whitespace inside Data never register as a change.
func fingerprint(d EntityDetail) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}
