package feed

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"chart-service/internal/metrics"
	"chart-service/internal/models"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// ErrInconsistentDirectoryState signals that the connection index and the
// per-key member sets disagree
var ErrInconsistentDirectoryState = errors.New("inconsistent directory state")

// Membership identifies one subscription of a connection. A later Subscribe
// of the same connection supersedes it.
type Membership struct {
	ConnID string
	Key    models.FeedKey
	seq    uint64
}

type member struct {
	seq     uint64
	active  bool
	pending [][]byte
}

// bucket holds the members of one key. Once emptied it is marked dead and
// removed, so holders of a stale pointer retry with a fresh one.
type bucket struct {
	mu      sync.Mutex
	members map[string]*member
	dead    bool
}

type connState struct {
	mu         sync.Mutex
	key        models.FeedKey
	seq        uint64
	subscribed bool
	dead       bool
}

// Directory maps connections to the single key they watch and keys to their
// members. Locks are taken connection first, then bucket.
type Directory struct {
	conns        sync.Map // connID -> *connState
	buckets      sync.Map // models.FeedKey -> *bucket
	seq          atomic.Uint64
	subscribed   atomic.Int64
	pendingLimit int
	strict       bool
	onEmpty      func(models.FeedKey)
	logger       *logrus.Logger
}

// NewDirectory creates a directory. Updates for members that are still
// pending are buffered up to pendingLimit. In strict mode a consistency
// violation panics instead of being repaired.
func NewDirectory(pendingLimit int, strict bool, logger *logrus.Logger) *Directory {
	if pendingLimit <= 0 {
		pendingLimit = 1
	}
	return &Directory{
		pendingLimit: pendingLimit,
		strict:       strict,
		onEmpty:      func(models.FeedKey) {},
		logger:       logger,
	}
}

// OnEmpty registers the hook run after a key loses its last member. It is
// called without any directory lock held.
func (d *Directory) OnEmpty(fn func(models.FeedKey)) {
	d.onEmpty = fn
}

// Subscribe moves connID onto key, dropping its previous subscription. The
// new membership starts pending: updates are buffered until Activate.
func (d *Directory) Subscribe(connID string, key models.FeedKey) *Membership {
	for {
		cs := d.connState(connID)
		cs.mu.Lock()
		if cs.dead {
			cs.mu.Unlock()
			continue
		}

		m := &Membership{ConnID: connID, Key: key, seq: d.seq.Add(1)}

		var emptied []models.FeedKey
		switch {
		case !cs.subscribed:
			d.subscribed.Add(1)
			d.addMember(key, connID, m.seq)
		case cs.key == key:
			// same key: restart the membership in place so the key never
			// looks empty
			d.resetMember(key, connID, cs.seq, m.seq)
		default:
			if d.removeMember(cs.key, connID, cs.seq) {
				emptied = append(emptied, cs.key)
			}
			d.addMember(key, connID, m.seq)
		}
		cs.key, cs.seq, cs.subscribed = key, m.seq, true
		cs.mu.Unlock()

		metrics.ActiveSubscriptions.Set(float64(d.subscribed.Load()))
		d.notifyEmpty(emptied)
		return m
	}
}

// Activate marks a pending membership live. Buffered updates are handed to
// flush in arrival order before any later broadcast reaches the member.
// It returns false when the membership was superseded or removed.
func (d *Directory) Activate(m *Membership, flush func(payload []byte)) bool {
	v, ok := d.conns.Load(m.ConnID)
	if !ok {
		return false
	}
	cs := v.(*connState)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.dead || !cs.subscribed || cs.seq != m.seq {
		return false
	}

	bv, ok := d.buckets.Load(m.Key)
	if !ok {
		d.inconsistent("active membership without bucket", m.ConnID, m.Key)
		return false
	}
	b := bv.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	mem, ok := b.members[m.ConnID]
	if b.dead || !ok || mem.seq != m.seq {
		d.inconsistent("membership missing from bucket", m.ConnID, m.Key)
		return false
	}

	for _, payload := range mem.pending {
		flush(payload)
	}
	mem.pending = nil
	mem.active = true
	return true
}

// Drop removes m if it is still the connection's current membership
func (d *Directory) Drop(m *Membership) bool {
	return d.remove(m.ConnID, func(cs *connState) bool { return cs.seq == m.seq }, false)
}

// Unsubscribe removes the subscription of connID, whatever its key
func (d *Directory) Unsubscribe(connID string) bool {
	return d.remove(connID, func(*connState) bool { return true }, false)
}

// UnsubscribeKey removes the subscription of connID only if it is on key
func (d *Directory) UnsubscribeKey(connID string, key models.FeedKey) bool {
	return d.remove(connID, func(cs *connState) bool { return cs.key == key }, false)
}

// Disconnect forgets connID entirely
func (d *Directory) Disconnect(connID string) bool {
	return d.remove(connID, func(*connState) bool { return true }, true)
}

func (d *Directory) remove(connID string, match func(*connState) bool, forget bool) bool {
	v, ok := d.conns.Load(connID)
	if !ok {
		return false
	}
	cs := v.(*connState)
	cs.mu.Lock()

	if cs.dead {
		cs.mu.Unlock()
		return false
	}

	var emptied []models.FeedKey
	removed := false
	if cs.subscribed && match(cs) {
		if d.removeMember(cs.key, connID, cs.seq) {
			emptied = append(emptied, cs.key)
		}
		cs.subscribed = false
		removed = true
		d.subscribed.Add(-1)
	}
	if forget {
		cs.dead = true
		d.conns.CompareAndDelete(connID, cs)
	}
	cs.mu.Unlock()

	if removed {
		metrics.ActiveSubscriptions.Set(float64(d.subscribed.Load()))
	}
	d.notifyEmpty(emptied)
	return removed
}

// Deliver hands payload to every active member of key via send and buffers
// it for pending members. It returns the number of active recipients.
func (d *Directory) Deliver(key models.FeedKey, payload []byte, send func(connID string, payload []byte)) int {
	v, ok := d.buckets.Load(key)
	if !ok {
		return 0
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for connID, mem := range b.members {
		if mem.active {
			send(connID, payload)
			delivered++
			continue
		}
		if len(mem.pending) >= d.pendingLimit {
			mem.pending = mem.pending[1:]
			metrics.DroppedPending.Inc()
		}
		mem.pending = append(mem.pending, payload)
	}
	return delivered
}

// MembersOf lists the connections subscribed to key, pending ones included
func (d *Directory) MembersOf(key models.FeedKey) []string {
	v, ok := d.buckets.Load(key)
	if !ok {
		return nil
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	return lo.Keys(b.members)
}

// Count returns how many connections hold key, pending ones included
func (d *Directory) Count(key models.FeedKey) int {
	v, ok := d.buckets.Load(key)
	if !ok {
		return 0
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// KeyOf returns the key connID is subscribed to
func (d *Directory) KeyOf(connID string) (models.FeedKey, bool) {
	v, ok := d.conns.Load(connID)
	if !ok {
		return models.FeedKey{}, false
	}
	cs := v.(*connState)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.key, cs.subscribed && !cs.dead
}

// Len returns the number of subscribed connections
func (d *Directory) Len() int {
	return int(d.subscribed.Load())
}

// Counts returns member counts per group name
func (d *Directory) Counts() map[string]int {
	counts := make(map[string]int)
	d.buckets.Range(func(k, v interface{}) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if !b.dead && len(b.members) > 0 {
			counts[k.(models.FeedKey).String()] = len(b.members)
		}
		b.mu.Unlock()
		return true
	})
	return counts
}

func (d *Directory) connState(connID string) *connState {
	v, _ := d.conns.LoadOrStore(connID, &connState{})
	return v.(*connState)
}

func (d *Directory) addMember(key models.FeedKey, connID string, seq uint64) {
	for {
		v, _ := d.buckets.LoadOrStore(key, &bucket{members: make(map[string]*member)})
		b := v.(*bucket)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		b.members[connID] = &member{seq: seq}
		b.mu.Unlock()
		return
	}
}

func (d *Directory) resetMember(key models.FeedKey, connID string, oldSeq, seq uint64) {
	if v, ok := d.buckets.Load(key); ok {
		b := v.(*bucket)
		b.mu.Lock()
		if mem, ok := b.members[connID]; ok && !b.dead && mem.seq == oldSeq {
			b.members[connID] = &member{seq: seq}
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
	}
	d.inconsistent("subscribed connection missing from bucket", connID, key)
	d.addMember(key, connID, seq)
}

// removeMember deletes the member and reports whether key may have no
// members left. After a repaired inconsistency it reports true so the
// owner of the key re-checks.
func (d *Directory) removeMember(key models.FeedKey, connID string, seq uint64) bool {
	v, ok := d.buckets.Load(key)
	if !ok {
		d.inconsistent("subscribed connection without bucket", connID, key)
		return true
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	mem, ok := b.members[connID]
	if b.dead || !ok || mem.seq != seq {
		d.inconsistent("subscribed connection missing from bucket", connID, key)
		return true
	}

	delete(b.members, connID)
	if len(b.members) > 0 {
		return false
	}
	b.dead = true
	d.buckets.CompareAndDelete(key, b)
	return true
}

func (d *Directory) notifyEmpty(keys []models.FeedKey) {
	for _, key := range keys {
		d.onEmpty(key)
	}
}

func (d *Directory) inconsistent(reason, connID string, key models.FeedKey) {
	err := fmt.Errorf("%w: %s (conn %s, key %s)", ErrInconsistentDirectoryState, reason, connID, key)
	if d.strict {
		panic(err)
	}
	d.logger.WithError(err).Error("Directory repaired, treating connection as unsubscribed")
}
