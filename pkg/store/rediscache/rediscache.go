// ABOUTME: Read-through Redis cache in front of any store.Backend
// ABOUTME: Point reads are cached per object generation; every write bumps the generation

package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nainya/bitemporal/internal/metrics"
	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
)

const (
	DefaultPrefix = "bitemporal"
	DefaultTTL    = 10 * time.Minute

	invalidateTimeout = 2 * time.Second
)

// Options configure a Store.
type Options[T any] struct {
	// Prefix namespaces every key. Defaults to DefaultPrefix.
	Prefix string
	// TTL bounds how long an entry lives. Defaults to DefaultTTL.
	TTL time.Duration
	// Indexer rebuilds the indexed fields of cached documents.
	Indexer store.Indexer[T]
	// Codec defaults to store.JSONCodec.
	Codec store.Codec[T]
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Store caches Get and GetAt answers of the wrapped backend in Redis.
// Search and History always go to the backend.
//
// Entries are keyed by a per-object generation that every Update, Correct
// and Remove increments after the backend call returns, so a cached answer is
// never served after a write made through this Store. Writes made by other
// processes directly against the backend are only picked up once entries
// expire after TTL.
type Store[T any] struct {
	store.Backend[T]
	client redis.UniversalClient
	opts   Options[T]
}

var _ store.Backend[struct{}] = (*Store[struct{}])(nil)

// New wraps backend. The caller owns client; Close only closes backend.
func New[T any](backend store.Backend[T], client redis.UniversalClient, opts Options[T]) (*Store[T], error) {
	if backend == nil || client == nil {
		return nil, fmt.Errorf("%w: redis cache needs a backend and a client", sentinel.ErrValidation)
	}
	if opts.Indexer == nil {
		return nil, fmt.Errorf("%w: redis cache needs an indexer", sentinel.ErrValidation)
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Codec == nil {
		opts.Codec = store.JSONCodec[T]{}
	}
	return &Store[T]{Backend: backend, client: client, opts: opts}, nil
}

// NewClient parses a redis:// URL and checks the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis URL: %v", sentinel.ErrValidation, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping failed: %v", sentinel.ErrStorageUnavailable, err)
	}
	return client, nil
}

func (s *Store[T]) Update(ctx context.Context, uid ids.UniqueID, payload T) (document.Document[T], error) {
	doc, err := s.Backend.Update(ctx, uid, payload)
	s.invalidate(ctx, uid.ObjectID())
	return doc, err
}

func (s *Store[T]) Correct(ctx context.Context, uid ids.UniqueID, payload T) (document.Document[T], error) {
	doc, err := s.Backend.Correct(ctx, uid, payload)
	s.invalidate(ctx, uid.ObjectID())
	return doc, err
}

func (s *Store[T]) Remove(ctx context.Context, uid ids.UniqueID) (document.Stamp, error) {
	stamp, err := s.Backend.Remove(ctx, uid)
	s.invalidate(ctx, uid.ObjectID())
	return stamp, err
}

func (s *Store[T]) Get(ctx context.Context, uid ids.UniqueID) (document.Document[T], error) {
	if uid.Validate() != nil {
		return s.Backend.Get(ctx, uid)
	}
	field := "latest"
	if uid.IsVersioned() {
		field = "v:" + uid.Version
	}
	return s.cached(ctx, "get", uid.ObjectID(), field, func() (document.Document[T], error) {
		return s.Backend.Get(ctx, uid)
	})
}

func (s *Store[T]) GetAt(ctx context.Context, oid ids.ObjectID, vc ids.VersionCorrection) (document.Document[T], error) {
	if oid.Validate() != nil {
		return s.Backend.GetAt(ctx, oid, vc)
	}
	return s.cached(ctx, "get_at", oid, "at:"+vc.String(), func() (document.Document[T], error) {
		return s.Backend.GetAt(ctx, oid, vc)
	})
}

func (s *Store[T]) genKey(oid ids.ObjectID) string {
	return s.opts.Prefix + ":gen:" + oid.String()
}

func (s *Store[T]) entryKey(oid ids.ObjectID, gen int64, field string) string {
	return s.opts.Prefix + ":doc:" + oid.String() + ":" + strconv.FormatInt(gen, 10) + ":" + field
}

// generation reads the current generation of oid; a missing key is 0.
func (s *Store[T]) generation(ctx context.Context, oid ids.ObjectID) (int64, error) {
	gen, err := s.client.Get(ctx, s.genKey(oid)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (s *Store[T]) cached(ctx context.Context, op string, oid ids.ObjectID, field string,
	load func() (document.Document[T], error)) (document.Document[T], error) {
	gen, err := s.generation(ctx, oid)
	if err != nil {
		s.record(op, "error")
		return load()
	}
	key := s.entryKey(oid, gen, field)

	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if doc, err := s.decode(data); err == nil {
			s.record(op, "hit")
			return doc, nil
		}
		s.record(op, "error")
	case errors.Is(err, redis.Nil):
		s.record(op, "miss")
	default:
		s.record(op, "error")
	}

	doc, err := load()
	if err != nil {
		return doc, err
	}
	if data, err := s.encode(doc); err == nil {
		if err := s.client.Set(ctx, key, data, s.opts.TTL).Err(); err != nil {
			s.record(op, "error")
		}
	}
	return doc, nil
}

// invalidate runs even when ctx is already done, since the backend write may
// have committed.
func (s *Store[T]) invalidate(ctx context.Context, oid ids.ObjectID) {
	if oid.Validate() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()
	if err := s.client.Incr(ctx, s.genKey(oid)).Err(); err != nil {
		s.record("invalidate", "error")
	}
}

func (s *Store[T]) record(op, result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordCacheLookup(op, result)
	}
}

// entry is the cached form of a document. Instants are microseconds since
// the epoch, matching the SQL backend.
type entry struct {
	UniqueID       string `json:"uid"`
	VersionFrom    int64  `json:"vf"`
	VersionTo      int64  `json:"vt"`
	CorrectionFrom int64  `json:"cf"`
	CorrectionTo   int64  `json:"ct"`
	Payload        []byte `json:"p"`
}

func (s *Store[T]) encode(doc document.Document[T]) ([]byte, error) {
	payload, err := s.opts.Codec.Encode(doc.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entry{
		UniqueID:       doc.UniqueID.String(),
		VersionFrom:    doc.VersionFrom.UnixMicro(),
		VersionTo:      doc.VersionTo.UnixMicro(),
		CorrectionFrom: doc.CorrectionFrom.UnixMicro(),
		CorrectionTo:   doc.CorrectionTo.UnixMicro(),
		Payload:        payload,
	})
}

func (s *Store[T]) decode(data []byte) (document.Document[T], error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return document.Document[T]{}, err
	}
	uid, err := ids.ParseUniqueID(e.UniqueID)
	if err != nil {
		return document.Document[T]{}, err
	}
	payload, err := s.opts.Codec.Decode(e.Payload)
	if err != nil {
		return document.Document[T]{}, err
	}
	return document.Document[T]{
		Stamp: document.Stamp{
			UniqueID:       uid,
			VersionFrom:    instant(e.VersionFrom),
			VersionTo:      instant(e.VersionTo),
			CorrectionFrom: instant(e.CorrectionFrom),
			CorrectionTo:   instant(e.CorrectionTo),
		},
		Fields:  s.opts.Indexer(payload),
		Payload: payload,
	}, nil
}

func instant(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
