package scene

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/aura/internal/timeutil"
)

// ErrStaleFrame is returned by Commit when a scene produced by an earlier
// frame event arrives after a later one has already been installed.
var ErrStaleFrame = errors.New("scene: frame superseded by a newer commit")

// DefaultSubscriberBuffer is the per-subscriber channel depth used when
// NewStore is given a non-positive buffer size.
const DefaultSubscriberBuffer = 4

// Store is the single authoritative holder of the current Scene.
//
// Commit and UpdateDistance are serialised by one lock and each installs a
// whole new Scene, so readers only ever see complete snapshots. Installed
// scenes are never mutated; Get hands out deep copies.
//
// Ordering: frames win by receipt order (a lower FrameSeq than the installed
// one is rejected with ErrStaleFrame) and distances win by receipt order
// (older readings are ignored). A frame committed after a newer reading was
// received is re-fused with that reading, and so is the installed scene
// when a rejected frame carried a newer reading. Sequence zero opts out of
// both checks.
type Store struct {
	clock timeutil.Clock

	mu       sync.RWMutex
	current  *Scene
	version  uint64
	distance DistanceReading
	hasRead  bool

	subscriberMu sync.Mutex
	subscribers  map[string]chan Scene
	bufferSize   int
	closing      bool
}

// NewStore creates an empty Store. A nil clock uses the wall clock.
func NewStore(clock timeutil.Clock, subscriberBuffer int) *Store {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Store{
		clock:       clock,
		subscribers: make(map[string]chan Scene),
		bufferSize:  subscriberBuffer,
	}
}

// Get returns a copy of the current scene. The boolean is false, and the
// Scene zero, until the first Commit.
func (st *Store) Get() (Scene, bool) {
	st.mu.RLock()
	cur := st.current
	st.mu.RUnlock()
	if cur == nil {
		return Scene{}, false
	}
	// cur is immutable once installed, so copying outside the lock is safe.
	return cur.Clone(), true
}

// Version returns the version of the current scene, or zero.
func (st *Store) Version() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.version
}

// LatestDistance returns the newest accepted reading, including readings
// received before any scene existed.
func (st *Store) LatestDistance() (DistanceReading, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.distance, st.hasRead
}

// Commit replaces the current scene with s and returns the installed copy.
// It is the only operation that changes the entity lists.
//
// A stale frame is rejected with ErrStaleFrame, but a distance it carried
// that is newer than the latest reading still becomes the latest reading
// and re-annotates the installed scene.
func (st *Store) Commit(s Scene) (Scene, error) {
	next := s.Clone()

	st.mu.Lock()
	defer st.mu.Unlock()

	if next.FrameSeq != 0 && st.current != nil && next.FrameSeq <= st.current.FrameSeq {
		if st.adoptFrameReading(&next) && st.current.DistanceSeq < next.DistanceSeq {
			st.install(st.reannotated(st.distance))
		}
		return Scene{}, ErrStaleFrame
	}

	if next.FrameSeq != 0 && !st.adoptFrameReading(&next) &&
		st.hasRead && st.distance.Seq > next.DistanceSeq {
		// A reading that arrived while the frame was being processed is
		// newer than whatever distance the frame was fused with.
		d := st.distance.Meters
		next.Objects = Fuse(next.Objects, d)
		next.People = Fuse(next.People, d)
		next.Distance = &d
		next.DistanceSeq = st.distance.Seq
	}

	st.install(&next)
	return next.Clone(), nil
}

// adoptFrameReading records the distance a frame carried as the latest
// reading when it is newer than the one held. Must be called with st.mu held.
func (st *Store) adoptFrameReading(next *Scene) bool {
	if next.Distance == nil || next.DistanceSeq == 0 {
		return false
	}
	if st.hasRead && next.DistanceSeq <= st.distance.Seq {
		return false
	}
	st.distance = DistanceReading{
		Meters: *next.Distance,
		At:     next.CapturedAt,
		Seq:    next.DistanceSeq,
		Source: "frame",
	}
	st.hasRead = true
	return true
}

// reannotated returns a copy of the current scene annotated with r. Must be
// called with st.mu held and st.current non-nil.
func (st *Store) reannotated(r DistanceReading) *Scene {
	d := r.Meters
	next := *st.current
	next.Objects = Fuse(st.current.Objects, d)
	next.People = Fuse(st.current.People, d)
	next.Distance = &d
	next.DistanceSeq = r.Seq
	return &next
}

// DistanceResult reports what ApplyDistance did with a reading.
type DistanceResult int

const (
	// DistanceApplied means a re-annotated scene was installed.
	DistanceApplied DistanceResult = iota
	// DistanceNoScene means the reading was kept but no scene exists yet.
	DistanceNoScene
	// DistanceStale means a newer reading was already held.
	DistanceStale
)

func (r DistanceResult) String() string {
	switch r {
	case DistanceApplied:
		return "applied"
	case DistanceNoScene:
		return "no_scene"
	case DistanceStale:
		return "stale"
	}
	return fmt.Sprintf("DistanceResult(%d)", int(r))
}

// UpdateDistance installs a copy of the current scene with every object and
// person annotated with r.Meters. It reports false, and changes nothing
// visible, when there is no scene yet or r is older than the reading already
// applied.
func (st *Store) UpdateDistance(r DistanceReading) (Scene, bool) {
	s, res := st.ApplyDistance(r)
	return s, res == DistanceApplied
}

// ApplyDistance is UpdateDistance with the reason for a no-op, decided under
// the same lock as the update.
//
// A reading with Seq zero is unsequenced: it is always applied and keeps the
// sequence of the reading it replaces, so later sequenced readings are still
// ordered against the newest sequenced one.
func (st *Store) ApplyDistance(r DistanceReading) (Scene, DistanceResult) {
	st.mu.Lock()
	defer st.mu.Unlock()

	unsequenced := r.Seq == 0
	if unsequenced {
		r.Seq = st.distance.Seq
	} else if st.hasRead && r.Seq <= st.distance.Seq {
		return Scene{}, DistanceStale
	}
	st.distance = r
	st.hasRead = true

	if st.current == nil {
		return Scene{}, DistanceNoScene
	}
	if !unsequenced && r.Seq <= st.current.DistanceSeq {
		return Scene{}, DistanceStale
	}

	next := st.reannotated(r)
	st.install(next)
	return next.Clone(), DistanceApplied
}

// install must be called with st.mu held for writing.
func (st *Store) install(next *Scene) {
	st.version++
	next.Version = st.version
	next.UpdatedAt = st.clock.Now()
	st.current = next
	st.broadcast(*next)
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a channel that receives every scene installed after
// the call. Delivery never blocks the store: a subscriber whose buffer is
// full misses that snapshot and should rely on Version to notice gaps.
func (st *Store) Subscribe() (string, <-chan Scene) {
	id := randomID()
	ch := make(chan Scene, st.bufferSize)

	st.subscriberMu.Lock()
	defer st.subscriberMu.Unlock()
	if st.closing {
		close(ch)
		return id, ch
	}
	st.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (st *Store) Unsubscribe(id string) {
	st.subscriberMu.Lock()
	defer st.subscriberMu.Unlock()
	if ch, ok := st.subscribers[id]; ok {
		close(ch)
		delete(st.subscribers, id)
	}
}

// SubscriberCount returns the number of live subscribers.
func (st *Store) SubscriberCount() int {
	st.subscriberMu.Lock()
	defer st.subscriberMu.Unlock()
	return len(st.subscribers)
}

// Close closes every subscriber channel. The store remains readable.
func (st *Store) Close() {
	st.subscriberMu.Lock()
	defer st.subscriberMu.Unlock()
	st.closing = true
	for id, ch := range st.subscribers {
		close(ch)
		delete(st.subscribers, id)
	}
}

func (st *Store) broadcast(s Scene) {
	st.subscriberMu.Lock()
	defer st.subscriberMu.Unlock()
	for _, ch := range st.subscribers {
		select {
		case ch <- s.Clone():
		default:
			// subscriber is behind; skip rather than block the writer
		}
	}
}
