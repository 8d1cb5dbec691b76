package timeline

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// roomLocks is a keyed lock table serializing all timeline writes for a
// room. Ingestion and gap-fill insertion both go through it so the
// linked-list tail is never observed half-updated. Entries are reference
// counted and removed when the last holder releases, so the table stays
// bounded by the number of concurrently active rooms.
type roomLocks struct {
	mu    sync.Mutex
	locks map[id.RoomID]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[id.RoomID]*roomLock)}
}

// Lock acquires the room's write lock and returns the unlock function.
func (rl *roomLocks) Lock(roomID id.RoomID) func() {
	rl.mu.Lock()
	lock := rl.locks[roomID]
	if lock == nil {
		lock = &roomLock{}
		rl.locks[roomID] = lock
	}
	lock.refs++
	rl.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		rl.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(rl.locks, roomID)
		}
		rl.mu.Unlock()
	}
}
