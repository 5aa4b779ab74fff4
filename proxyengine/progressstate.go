package proxyengine

import (
	"sync"

	"github.com/quorumnet/collnet/fabric"
)

// commKey identifies a fabric send/recv communicator eligible for reuse
// across multiple (peer, channel) pairs when the provider's maxRecvs > 1
// and NET_SHARED_COMMS permits multiplexing (§4.4).
type commKey struct {
	netDev    int
	peerRank  int
	channelID int
}

type sharedSendComm struct {
	comm     fabric.SendComm
	refCount int
}

type sharedRecvComm struct {
	comm     fabric.RecvComm
	refCount int
}

// ProgressState is the single owner of every resource the proxy thread
// shares across connections on this rank: the shared staging pool (§4.3)
// and the shared fabric comm tables (§4.4, §5's "shared-resource policy").
// Exactly one ProgressState exists per rank; external callers never touch
// it directly, only through sendProxyConnect/recvProxyConnect and the
// teardown path, all of which the proxy goroutine runs exclusively.
type ProgressState struct {
	Pool *SharedBufferPool

	mu        sync.Mutex
	sendComms map[commKey]*sharedSendComm
	recvComms map[commKey]*sharedRecvComm
}

// NewProgressState constructs the per-rank owner, backing its shared pool
// with shm segments under dir.
func NewProgressState(dir string) *ProgressState {
	return &ProgressState{
		Pool:      NewSharedBufferPool(dir),
		sendComms: make(map[commKey]*sharedSendComm),
		recvComms: make(map[commKey]*sharedRecvComm),
	}
}

// AcquireSendComm returns an existing send communicator for key, or calls
// open and stores the result if none exists yet. Every successful call
// increments the entry's refcount; pair it with ReleaseSendComm.
func (s *ProgressState) AcquireSendComm(key commKey, open func() (fabric.SendComm, error)) (fabric.SendComm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sendComms[key]; ok {
		e.refCount++
		return e.comm, nil
	}
	comm, err := open()
	if err != nil {
		return nil, err
	}
	if comm == nil {
		return nil, nil
	}
	s.sendComms[key] = &sharedSendComm{comm: comm, refCount: 1}
	return comm, nil
}

// ReleaseSendComm decrements key's refcount and, once it reaches zero,
// calls close and removes the entry.
func (s *ProgressState) ReleaseSendComm(key commKey, close func(fabric.SendComm) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sendComms[key]
	if !ok {
		return internalErrorf(nil, "progressstate: release of unknown send comm %+v", key)
	}
	e.refCount--
	if e.refCount > 0 {
		return nil
	}
	delete(s.sendComms, key)
	return close(e.comm)
}

// AcquireRecvComm is the recv-side analogue of AcquireSendComm.
func (s *ProgressState) AcquireRecvComm(key commKey, open func() (fabric.RecvComm, error)) (fabric.RecvComm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.recvComms[key]; ok {
		e.refCount++
		return e.comm, nil
	}
	comm, err := open()
	if err != nil {
		return nil, err
	}
	if comm == nil {
		return nil, nil
	}
	s.recvComms[key] = &sharedRecvComm{comm: comm, refCount: 1}
	return comm, nil
}

// ReleaseRecvComm is the recv-side analogue of ReleaseSendComm.
func (s *ProgressState) ReleaseRecvComm(key commKey, close func(fabric.RecvComm) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.recvComms[key]
	if !ok {
		return internalErrorf(nil, "progressstate: release of unknown recv comm %+v", key)
	}
	e.refCount--
	if e.refCount > 0 {
		return nil
	}
	delete(s.recvComms, key)
	return close(e.comm)
}
