package coordinator

import (
	"sync"
	"time"
)

// ClaimState is the lifecycle state of one admission claim.
type ClaimState int

const (
	Unclaimed ClaimState = iota
	Claimed
	Completed
)

func (s ClaimState) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Completed:
		return "completed"
	default:
		return "unclaimed"
	}
}

// Claims is the per-process admission table. TryAdmit must be a single
// atomic, non-blocking check-and-set.
type Claims interface {
	// TryAdmit flips (roomID, messageID) from unclaimed to claimed and reports
	// whether this caller won. Claimed and completed entries both reject.
	TryAdmit(roomID, messageID string) bool

	// Admit is TryAdmit returning the winner's generation (non-zero) or, on
	// rejection, the state of the claim that blocked it.
	Admit(roomID, messageID string) (gen uint64, held ClaimState)

	// Release moves a claim to completed. Unknown or completed ids are a no-op.
	Release(roomID, messageID string)

	// Complete is Release limited to the claim admitted under gen, so a
	// holder whose claim expired never closes its successor's.
	Complete(roomID, messageID string, gen uint64)

	// ResetRoom forgets every claim of roomID.
	ResetRoom(roomID string)

	// Sweep evicts entries older than the table TTL and returns how many were removed.
	Sweep(now time.Time) int
}

type claim struct {
	state ClaimState
	gen   uint64
	at    time.Time // last transition
}

// MemoryClaims is a mutex-guarded claim table scoped per room.
// Entries older than ttl are evicted by Sweep (ttl <= 0 disables expiry); the
// table never holds more than maxEntries claims. Eviction never permits a
// second reply on its own: the store backstop still runs before every insert.
type MemoryClaims struct {
	mu         sync.Mutex
	rooms      map[string]map[string]*claim
	size       int
	gen        uint64
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewMemoryClaims creates a claim table. maxEntries <= 0 means 10000.
func NewMemoryClaims(ttl time.Duration, maxEntries int) *MemoryClaims {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryClaims{
		rooms:      make(map[string]map[string]*claim),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryClaims) TryAdmit(roomID, messageID string) bool {
	gen, _ := c.Admit(roomID, messageID)
	return gen != 0
}

func (c *MemoryClaims) Admit(roomID, messageID string) (uint64, ClaimState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	room := c.rooms[roomID]
	if cl, ok := room[messageID]; ok {
		if c.ttl <= 0 || now.Sub(cl.at) < c.ttl {
			return 0, cl.state
		}
		// Expired but not yet swept.
		delete(room, messageID)
		c.size--
	}

	if c.size >= c.maxEntries {
		c.sweepLocked(now)
		for c.size >= c.maxEntries {
			c.evictOldestLocked()
		}
	}

	if room == nil {
		room = make(map[string]*claim)
		c.rooms[roomID] = room
	}
	c.gen++
	room[messageID] = &claim{state: Claimed, gen: c.gen, at: now}
	c.size++
	return c.gen, Claimed
}

func (c *MemoryClaims) Release(roomID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeLocked(roomID, messageID, 0)
}

func (c *MemoryClaims) Complete(roomID, messageID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeLocked(roomID, messageID, gen)
}

// completeLocked closes the claim; gen 0 matches any generation.
func (c *MemoryClaims) completeLocked(roomID, messageID string, gen uint64) {
	cl, ok := c.rooms[roomID][messageID]
	if !ok || cl.state != Claimed || (gen != 0 && cl.gen != gen) {
		return
	}
	cl.state = Completed
	cl.at = c.now()
}

func (c *MemoryClaims) ResetRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.size -= len(c.rooms[roomID])
	delete(c.rooms, roomID)
}

func (c *MemoryClaims) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

// State returns the current state of a claim.
func (c *MemoryClaims) State(roomID, messageID string) ClaimState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.rooms[roomID][messageID]; ok {
		return cl.state
	}
	return Unclaimed
}

// Len returns the number of tracked claims across all rooms.
func (c *MemoryClaims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *MemoryClaims) sweepLocked(now time.Time) int {
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	for roomID, room := range c.rooms {
		for id, cl := range room {
			if now.Sub(cl.at) >= c.ttl {
				delete(room, id)
				removed++
			}
		}
		if len(room) == 0 {
			delete(c.rooms, roomID)
		}
	}
	c.size -= removed
	return removed
}

// evictOldestLocked drops the oldest completed claim, or the oldest claim of
// any state when none has completed.
func (c *MemoryClaims) evictOldestLocked() {
	var (
		oldRoom, oldID string
		oldAt          time.Time
		found          bool
		completedSeen  bool
	)
	for roomID, room := range c.rooms {
		for id, cl := range room {
			done := cl.state == Completed
			if completedSeen && !done {
				continue
			}
			if !found || (done && !completedSeen) || cl.at.Before(oldAt) {
				oldRoom, oldID, oldAt, found = roomID, id, cl.at, true
				completedSeen = completedSeen || done
			}
		}
	}
	if !found {
		c.size = 0
		return
	}
	delete(c.rooms[oldRoom], oldID)
	if len(c.rooms[oldRoom]) == 0 {
		delete(c.rooms, oldRoom)
	}
	c.size--
}
