package multipart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/sessionwire/pkg/protocol"
)

var (
	// ErrReassemblyTimeout is reported for a collection that did not complete
	// within the retention window. The collection is discarded; later parts
	// for the same key start fresh.
	ErrReassemblyTimeout = errors.New("multi-part reassembly timed out")
	// ErrInconsistentParts means a part disagrees with its revision's part count.
	ErrInconsistentParts = errors.New("multi-part total does not match collection")
)

// DefaultTTL is the retention window when Options.TTL is zero.
const DefaultTTL = 30 * time.Second

// Key identifies one logical post.
type Key struct {
	NetworkID protocol.NetworkID
	PostTime  uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.NetworkID, k.PostTime)
}

// KeyOf returns the reassembly key of part.
func KeyOf(part *protocol.MultiPartMessage) Key {
	return Key{NetworkID: part.NetworkID, PostTime: part.PostTime}
}

// Status describes what Add did with a part.
type Status int

const (
	StatusPending   Status = iota // Stored, revision still incomplete
	StatusComplete                // Last missing part; Result.Message is set
	StatusDuplicate               // Redelivery of a part already held or delivered
	StatusStale                   // Older revision than one already seen; dropped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusComplete:
		return "complete"
	case StatusDuplicate:
		return "duplicate"
	case StatusStale:
		return "stale"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Message is a fully reassembled post revision.
type Message struct {
	Key
	EditTime uint64
	Text     string
	// Supersedes is true when an earlier revision of the post had already
	// been delivered and this text replaces it.
	Supersedes bool
}

// Result is the outcome of adding one part.
type Result struct {
	Status  Status
	Message *Message
}

// Expired describes a collection dropped by Sweep.
type Expired struct {
	Key
	EditTime uint64
	Received int
	Total    int
	Err      error
}

// Options configures a Reassembler.
type Options struct {
	// TTL bounds how long an incomplete collection is kept, measured from its
	// first part, and how long a delivered post is remembered for duplicate
	// and stale detection.
	TTL time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// OnExpire is called, outside any lock, for every incomplete collection
	// Sweep discards.
	OnExpire func(Expired)
}

type entry struct {
	mu sync.Mutex

	// In-progress revision
	collecting bool
	editTime   uint64
	total      uint16
	parts      map[uint16]string
	started    time.Time

	// Last delivered revision
	delivered     bool
	deliveredEdit uint64
	text          string
	touched       time.Time

	// Set once the entry is unlinked from the table; adders must retry.
	removed bool
}

// Reassembler collects MultiPartMessage parts per (networkId, postTime).
// Parts for different keys never contend; parts for the same key are
// serialized on that key's entry.
type Reassembler struct {
	entries  sync.Map // Key -> *entry
	ttl      time.Duration
	now      func() time.Time
	onExpire func(Expired)
}

// NewReassembler returns an empty Reassembler.
func NewReassembler(opts Options) *Reassembler {
	r := &Reassembler{
		ttl:      opts.TTL,
		now:      opts.Now,
		onExpire: opts.OnExpire,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// TTL returns the retention window.
func (r *Reassembler) TTL() time.Duration {
	return r.ttl
}

// Add stores part and reports whether it completed its revision. Parts may
// arrive in any order; a repeated part overwrites the held copy. A part with
// a newer EditTime abandons any older collection for the same key.
func (r *Reassembler) Add(part *protocol.MultiPartMessage) (Result, error) {
	if err := part.Validate(); err != nil {
		return Result{}, err
	}
	key := KeyOf(part)

	for {
		v, _ := r.entries.LoadOrStore(key, &entry{})
		e := v.(*entry)

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		res, err := r.addLocked(e, key, part)
		e.mu.Unlock()
		return res, err
	}
}

func (r *Reassembler) addLocked(e *entry, key Key, part *protocol.MultiPartMessage) (Result, error) {
	now := r.now()

	if e.delivered {
		if part.EditTime < e.deliveredEdit {
			return Result{Status: StatusStale}, nil
		}
		if part.EditTime == e.deliveredEdit {
			return Result{Status: StatusDuplicate}, nil
		}
	}

	if e.collecting {
		switch {
		case part.EditTime < e.editTime:
			return Result{Status: StatusStale}, nil
		case part.EditTime > e.editTime:
			e.collecting = false
		case part.TotalParts != e.total:
			return Result{}, fmt.Errorf("%w: key %s has %d parts, got part %d of %d",
				ErrInconsistentParts, key, e.total, part.CurrentPart, part.TotalParts)
		}
	}

	if !e.collecting {
		e.collecting = true
		e.editTime = part.EditTime
		e.total = part.TotalParts
		e.parts = make(map[uint16]string, part.TotalParts)
		e.started = now
	}

	_, seen := e.parts[part.CurrentPart]
	e.parts[part.CurrentPart] = part.Text
	e.touched = now

	if len(e.parts) < int(e.total) {
		if seen {
			return Result{Status: StatusDuplicate}, nil
		}
		return Result{Status: StatusPending}, nil
	}

	ordered := make([]string, e.total)
	for i, text := range e.parts {
		ordered[i] = text
	}
	msg := &Message{
		Key:        key,
		EditTime:   e.editTime,
		Text:       strings.Join(ordered, ""),
		Supersedes: e.delivered,
	}

	e.delivered = true
	e.deliveredEdit = e.editTime
	e.text = msg.Text
	e.collecting = false
	e.parts = nil
	return Result{Status: StatusComplete, Message: msg}, nil
}

// Current returns the latest delivered text for a post.
func (r *Reassembler) Current(key Key) (text string, editTime uint64, ok bool) {
	v, found := r.entries.Load(key)
	if !found {
		return "", 0, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.delivered {
		return "", 0, false
	}
	return e.text, e.deliveredEdit, true
}

// Pending returns the number of keys with an incomplete collection.
func (r *Reassembler) Pending() int {
	n := 0
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.collecting && !e.removed {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

// Sweep discards incomplete collections older than the TTL, reporting each
// with ErrReassemblyTimeout, and forgets delivered posts idle for the TTL.
func (r *Reassembler) Sweep(now time.Time) []Expired {
	var expired []Expired

	r.entries.Range(func(k, v any) bool {
		key := k.(Key)
		e := v.(*entry)

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			return true
		}
		if e.collecting && now.Sub(e.started) >= r.ttl {
			expired = append(expired, Expired{
				Key:      key,
				EditTime: e.editTime,
				Received: len(e.parts),
				Total:    int(e.total),
				Err:      fmt.Errorf("%w: key %s after %s", ErrReassemblyTimeout, key, now.Sub(e.started)),
			})
			e.collecting = false
			e.parts = nil
		}
		if !e.collecting && (!e.delivered || now.Sub(e.touched) >= r.ttl) {
			e.removed = true
			r.entries.CompareAndDelete(key, e)
		}
		e.mu.Unlock()
		return true
	})

	if r.onExpire != nil {
		for _, exp := range expired {
			r.onExpire(exp)
		}
	}
	return expired
}

// Forget drops every collection and delivered post from networkID, e.g.
// when that participant disconnects. Incomplete collections are not
// reported as expired.
func (r *Reassembler) Forget(networkID protocol.NetworkID) int {
	n := 0
	r.entries.Range(func(k, v any) bool {
		key := k.(Key)
		if key.NetworkID != networkID {
			return true
		}
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed {
			e.removed = true
			r.entries.CompareAndDelete(key, e)
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Reassembler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}
