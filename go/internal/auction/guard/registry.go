package guard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

// ErrRetired is returned by Acquire for an auction whose guard was retired after it ended.
var ErrRetired = errors.New("auction guard retired")

// Registry hands out one mutual-exclusion guard per auction. Guards are created on
// first use and live until the auction is retired; guards of different auctions
// never contend with each other.
type Registry struct {
	mu      sync.Mutex
	guards  map[uuid.UUID]*entry
	retired *lru.Cache // ended auctions, bounded
}

type entry struct {
	mu     sync.Mutex
	refs   int // holders plus waiters
	forget bool
}

// NewRegistry creates a registry remembering up to retiredCacheSize ended auctions.
func NewRegistry(retiredCacheSize int) (*Registry, error) {
	retired, err := lru.New(retiredCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create retired guard cache: %w", err)
	}
	return &Registry{
		guards:  make(map[uuid.UUID]*entry),
		retired: retired,
	}, nil
}

// Acquire blocks until the caller holds the guard for auctionID and returns the
// function that releases it. A retired auction is refused without creating a guard,
// including when it was retired while the caller was waiting.
func (r *Registry) Acquire(auctionID uuid.UUID) (func(), error) {
	r.mu.Lock()
	if r.retired.Contains(auctionID) {
		r.mu.Unlock()
		return nil, ErrRetired
	}
	e, ok := r.guards[auctionID]
	if !ok {
		e = &entry{}
		r.guards[auctionID] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()

	if r.IsRetired(auctionID) {
		r.release(auctionID, e)
		return nil, ErrRetired
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(auctionID, e) })
	}, nil
}

// Retire marks auctionID as ended. Callers must hold its guard. The guard itself
// is dropped once its last holder or waiter releases it.
func (r *Registry) Retire(auctionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired.Add(auctionID, struct{}{})
}

// Forget drops the guard of auctionID without retiring it, for example when this
// instance stops owning the auction. The guard goes away once nobody holds or waits on it.
func (r *Registry) Forget(auctionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.guards[auctionID]
	if !ok {
		return
	}
	if e.refs == 0 {
		delete(r.guards, auctionID)
		return
	}
	e.forget = true
}

// IsRetired reports whether auctionID is known to have ended.
func (r *Registry) IsRetired(auctionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retired.Contains(auctionID)
}

// Active returns the number of auctions that currently have a guard.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.guards)
}

func (r *Registry) release(auctionID uuid.UUID, e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 && (e.forget || r.retired.Contains(auctionID)) {
		if cur, ok := r.guards[auctionID]; ok && cur == e {
			delete(r.guards, auctionID)
		}
	}
	r.mu.Unlock()
	e.mu.Unlock()
}
