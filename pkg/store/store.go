// ABOUTME: Backend contract shared by the in-memory and SQL document stores
// ABOUTME: Backends are generic over the payload and index it through an Indexer

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/sentinel"
)

// Backend persists documents of one payload type and answers bitemporal
// queries over them. Every method is safe for concurrent use.
type Backend[T any] interface {
	// Add stores the first version of a new object under a fresh ObjectID.
	Add(ctx context.Context, payload T) (document.Document[T], error)
	// Update closes the current version addressed by uid and opens a new one.
	Update(ctx context.Context, uid ids.UniqueID, payload T) (document.Document[T], error)
	// Correct replaces the row addressed by uid on the correction axis only.
	Correct(ctx context.Context, uid ids.UniqueID, payload T) (document.Document[T], error)
	// Remove closes the current version. It returns the closed row.
	Remove(ctx context.Context, uid ids.UniqueID) (document.Stamp, error)

	// Get returns the exact row for a versioned uid, or the current row.
	Get(ctx context.Context, uid ids.UniqueID) (document.Document[T], error)
	// GetAt returns the row answering vc for one object.
	GetAt(ctx context.Context, oid ids.ObjectID, vc ids.VersionCorrection) (document.Document[T], error)
	Search(ctx context.Context, req SearchRequest) (SearchResult[T], error)
	// History yields rows lazily. Ranging the sequence again re-reads the store.
	History(ctx context.Context, req HistoryRequest) iter.Seq2[document.Document[T], error]

	// Ping reports whether the backend can serve requests.
	Ping(ctx context.Context) error
	Close() error
}

// Codec converts payloads to and from their stored form.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// JSONCodec stores payloads as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", sentinel.ErrValidation, err)
	}
	return data, nil
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// Indexer extracts the searchable fields of a payload.
type Indexer[T any] func(T) document.Fields

// Options configure a backend.
type Options[T any] struct {
	// Scheme of the ObjectIDs the backend allocates.
	Scheme  string
	Indexer Indexer[T]
	// Codec defaults to JSONCodec.
	Codec Codec[T]
	// Clock defaults to a monotonic wall clock.
	Clock Clock
}

// WithDefaults fills unset options and validates the result.
func (o Options[T]) WithDefaults() (Options[T], error) {
	if o.Scheme == "" {
		return o, fmt.Errorf("%w: backend needs an object id scheme", sentinel.ErrValidation)
	}
	if _, err := ids.NewObjectID(o.Scheme, "0"); err != nil {
		return o, err
	}
	if o.Indexer == nil {
		return o, fmt.Errorf("%w: backend needs an indexer", sentinel.ErrValidation)
	}
	if o.Codec == nil {
		o.Codec = JSONCodec[T]{}
	}
	if o.Clock == nil {
		o.Clock = NewClock(nil)
	}
	return o, nil
}

// Now reads the clock at document.Precision.
func (o Options[T]) Now() time.Time {
	return document.Normalize(o.Clock.Now())
}

// Index runs the indexer.
func (o Options[T]) Index(payload T) document.Fields {
	return o.Indexer(payload)
}
