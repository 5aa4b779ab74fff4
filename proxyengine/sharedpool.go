package proxyengine

import (
	"fmt"
	"sync"

	"github.com/quorumnet/collnet/shm"
)

// sharedDirection distinguishes the two independent staging pools a rank
// keeps per local peer: one for buffers it sends into, one for buffers it
// receives into.
type sharedDirection int

const (
	sharedSendDir sharedDirection = iota
	sharedRecvDir
)

// SharedBufferOffset computes the byte offset of the (channel, slot) pair
// within the shared pool's single staging buffer, per §4.3's
// sharedBuffersGet: different channels and slots are statically
// non-overlapping by construction.
func SharedBufferOffset(channel, slot, chunkSize int) int {
	return (channel*NCCLSharedSteps + slot) * chunkSize
}

// SharedPoolSize returns the default size of a shared pool entry when the
// caller does not pin one explicitly, per §4.3 step 3.
func SharedPoolSize(nChannels, chunkSize int) int {
	return nChannels * NCCLSharedSteps * chunkSize
}

func (d sharedDirection) String() string {
	if d == sharedSendDir {
		return "send"
	}
	return "recv"
}

// sharedPeerKey names one refcounted staging buffer: a local peer rank and
// a direction. The same buffer is reused by every channel connecting this
// rank to that peer in that direction.
type sharedPeerKey struct {
	peer int
	dir  sharedDirection
}

// SharedBufferPool owns the lazily-allocated, refcounted staging buffers
// used when two ranks on the same host share one set of pinned SIMPLE
// protocol buffers instead of each channel mapping its own.
//
// Grounded on the original's sharedBuffersInit/Get/Destroy trio; renamed
// to Go method names on a single owning type instead of free functions
// threaded through a p2pSendResources/p2pRecvResources pointer.
type SharedBufferPool struct {
	mu      sync.Mutex
	dir     string // base directory for backing shm segments
	entries map[sharedPeerKey]*sharedEntry
}

type sharedEntry struct {
	refCount int
	size     int
	region   *shm.Region
	identity Identity
}

// NewSharedBufferPool returns a pool that allocates its backing segments
// under dir.
func NewSharedBufferPool(dir string) *SharedBufferPool {
	return &SharedBufferPool{
		dir:     dir,
		entries: make(map[sharedPeerKey]*sharedEntry),
	}
}

// Acquire returns the staging buffer for (peer, dir), allocating and
// mapping it on first use and incrementing its reference count on every
// call thereafter. Every successful Acquire must be matched by exactly one
// Release.
func (p *SharedBufferPool) Acquire(peer int, dir sharedDirection, size int) (*MemBank, error) {
	if peer < 0 {
		return nil, internalErrorf(nil, "sharedpool: acquire on null peer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := sharedPeerKey{peer: peer, dir: dir}
	entry, ok := p.entries[key]
	if ok {
		if entry.size != size {
			return nil, internalErrorf(nil,
				"sharedpool: peer %d dir %s size mismatch: have %d want %d", peer, dir, entry.size, size)
		}
		entry.refCount++
		return p.bankOf(entry), nil
	}

	name := shm.NewSegmentName(fmt.Sprintf("shared-%s-%d", dir, peer))
	region, err := shm.Create(p.dir, name, size)
	if err != nil {
		return nil, systemErrorf("sharedpool.create", err)
	}
	entry = &sharedEntry{
		refCount: 1,
		size:     size,
		region:   region,
		identity: Identity{ShmPath: region.Path},
	}
	p.entries[key] = entry
	return p.bankOf(entry), nil
}

func (p *SharedBufferPool) bankOf(e *sharedEntry) *MemBank {
	return &MemBank{Size: e.size, CPU: e.region.Mem, Identity: e.identity}
}

// Release decrements the reference count for (peer, dir) and unmaps and
// unlinks the backing segment once it reaches zero. Releasing a peer that
// was never acquired is an InternalError: the original treats a null peer
// or an unbalanced destroy as a protocol violation, not a no-op, and this
// keeps that behavior (see the Open Questions entry in the design ledger).
func (p *SharedBufferPool) Release(peer int, dir sharedDirection) error {
	if peer < 0 {
		return internalErrorf(nil, "sharedpool: release on null peer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := sharedPeerKey{peer: peer, dir: dir}
	entry, ok := p.entries[key]
	if !ok {
		return internalErrorf(nil, "sharedpool: release of peer %d dir %s never acquired", peer, dir)
	}
	entry.refCount--
	if entry.refCount > 0 {
		return nil
	}
	delete(p.entries, key)
	if err := entry.region.Close(); err != nil {
		return systemErrorf("sharedpool.close", err)
	}
	return entry.region.Unlink()
}

// RefCount reports the current reference count for (peer, dir), or 0 if
// unacquired. Exposed for tests and debug dumps only.
func (p *SharedBufferPool) RefCount(peer int, dir sharedDirection) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[sharedPeerKey{peer: peer, dir: dir}]; ok {
		return e.refCount
	}
	return 0
}
