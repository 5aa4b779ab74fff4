package proxyengine

import "sync/atomic"

// SendMem is the compute-engine-visible credit header for one connection's
// send direction. On a send connection the proxy is the writer: it
// publishes Head after granting credits (Action A) or reaping completions
// (Action C), and the compute engine reads it to learn which ring slots it
// may reuse. On a recv connection the roles invert: the compute engine
// writes Head after draining a slot, and the proxy's release-credits step
// (§4.6 Action D) only ever reads it. All access is atomic, matching the
// "explicitly volatile" reads and writes required by §5.
type SendMem struct {
	Head atomic.Int64
}

// NewSendMem returns a SendMem with Head preset per invariant 6: shared
// connections start at -NCCLSteps, non-shared connections at 0.
func NewSendMem(shared bool) *SendMem {
	m := &SendMem{}
	if shared {
		m.Head.Store(int64(-NCCLSteps))
	}
	return m
}

// RecvMem is the compute-engine-visible control FIFO for one connection. On
// a send connection the compute engine is the writer of SizesFifo (and,
// for non-LL protocols, Tail) to signal a slice is ready to transmit; the
// proxy writes OffsFifo in shared mode to hand back the shared-pool
// placement the compute engine must write into. On a recv connection the
// proxy is the sole writer of Tail, publishing it once a completed slice
// has been flushed.
type RecvMem struct {
	Tail      atomic.Int64
	SizesFifo [NCCLSteps]atomic.Int32
	OffsFifo  [NCCLSteps]atomic.Uint32
}

// NewRecvMem returns a RecvMem with every SizesFifo entry preset to -1, per
// invariant 6.
func NewRecvMem() *RecvMem {
	m := &RecvMem{}
	for i := range m.SizesFifo {
		m.SizesFifo[i].Store(-1)
	}
	return m
}

// publishSendHead writes v to the credit header, preferring the GDR-copy
// mirror when one is present. The original issues a dedicated store fence
// when that mirror is write-combined memory; here the atomic store itself
// already provides the full-fence ordering this runtime's memory model
// requires, so no separate fence is issued for a write-combined mirror.
func publishSendHead(mem *SendMem, mirror *atomic.Int64, v int64) {
	if mirror != nil {
		mirror.Store(v)
		return
	}
	mem.Head.Store(v)
}

func loadSendHead(mem *SendMem, mirror *atomic.Int64) int64 {
	if mirror != nil {
		return mirror.Load()
	}
	return mem.Head.Load()
}

func publishRecvTail(mem *RecvMem, mirror *atomic.Int64, v int64) {
	if mirror != nil {
		mirror.Store(v)
		return
	}
	mem.Tail.Store(v)
}
