package proxyengine

import "testing"

func TestSharedBufferPoolAcquireRefcounts(t *testing.T) {
	pool := NewSharedBufferPool(t.TempDir())

	b1, err := pool.Acquire(5, sharedSendDir, 4096)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(b1.CPU) != 4096 {
		t.Fatalf("expected 4096-byte backing, got %d", len(b1.CPU))
	}
	if pool.RefCount(5, sharedSendDir) != 1 {
		t.Fatalf("expected refcount 1 after first acquire")
	}

	b2, err := pool.Acquire(5, sharedSendDir, 4096)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if &b1.CPU[0] != &b2.CPU[0] {
		t.Fatalf("second acquire of the same peer/dir should alias the same backing memory")
	}
	if pool.RefCount(5, sharedSendDir) != 2 {
		t.Fatalf("expected refcount 2 after second acquire, got %d", pool.RefCount(5, sharedSendDir))
	}

	if err := pool.Release(5, sharedSendDir); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if pool.RefCount(5, sharedSendDir) != 1 {
		t.Fatalf("expected refcount 1 after first release")
	}
	if err := pool.Release(5, sharedSendDir); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if pool.RefCount(5, sharedSendDir) != 0 {
		t.Fatalf("expected refcount 0 after final release")
	}
}

func TestSharedBufferPoolSendRecvDirectionsIndependent(t *testing.T) {
	pool := NewSharedBufferPool(t.TempDir())
	if _, err := pool.Acquire(1, sharedSendDir, 1024); err != nil {
		t.Fatalf("Acquire send: %v", err)
	}
	if _, err := pool.Acquire(1, sharedRecvDir, 2048); err != nil {
		t.Fatalf("Acquire recv: %v", err)
	}
	if pool.RefCount(1, sharedSendDir) != 1 || pool.RefCount(1, sharedRecvDir) != 1 {
		t.Fatalf("send and recv pools for the same peer should not interfere")
	}
}

func TestSharedBufferPoolSizeMismatchRejected(t *testing.T) {
	pool := NewSharedBufferPool(t.TempDir())
	if _, err := pool.Acquire(2, sharedSendDir, 1024); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := pool.Acquire(2, sharedSendDir, 2048); err == nil {
		t.Fatalf("expected error re-acquiring peer 2 at a different size")
	}
}

func TestSharedBufferPoolReleaseUnacquiredIsInternalError(t *testing.T) {
	pool := NewSharedBufferPool(t.TempDir())
	err := pool.Release(7, sharedSendDir)
	if err == nil {
		t.Fatalf("expected error releasing a peer that was never acquired")
	}
	if _, ok := err.(*InternalError); !ok {
		t.Fatalf("expected *InternalError, got %T: %v", err, err)
	}
}

func TestSharedBufferPoolAcquireNullPeerRejected(t *testing.T) {
	pool := NewSharedBufferPool(t.TempDir())
	if _, err := pool.Acquire(-1, sharedSendDir, 1024); err == nil {
		t.Fatalf("expected error acquiring a negative (null) peer")
	}
}
