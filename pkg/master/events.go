package master

import (
	"fmt"
	"sync"
	"time"

	"github.com/nainya/bitemporal/pkg/ids"
)

// ChangeType classifies a ChangeEvent.
type ChangeType int

const (
	Added ChangeType = iota
	Changed
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "ADDED"
	case Changed:
		return "CHANGED"
	case Removed:
		return "REMOVED"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
}

// ChangeEvent describes one successful write. Before is zero for Added and
// After is zero for Removed.
type ChangeEvent struct {
	Type     ChangeType
	ObjectID ids.ObjectID
	Before   ids.UniqueID
	After    ids.UniqueID
	// VersionFrom and VersionTo bound the version interval the write affected.
	VersionFrom time.Time
	VersionTo   time.Time
	// At is the instant the write was stamped with.
	At time.Time
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s at %s", e.Type, e.ObjectID, e.At.Format(time.RFC3339Nano))
}

// Listener receives change events synchronously, after the write committed.
type Listener func(ChangeEvent)

type listeners struct {
	mu   sync.RWMutex
	next int
	subs map[int]Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
		})
	}
}

func (l *listeners) snapshot() []Listener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Listener, 0, len(l.subs))
	for id := range l.next {
		if fn, ok := l.subs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}
