package proxyengine

import (
	"sync/atomic"

	"github.com/quorumnet/collnet/fabric"
)

// PeerIdentity names the three ranks relevant to one sub's connection: the
// local rank running this proxy, the remote rank at the other end of the
// fabric connection, and the proxy rank whose NIC actually carries the
// traffic (equal to the local rank unless PXN indirection is in effect).
type PeerIdentity struct {
	LocalRank  int
	RemoteRank int
	ProxyRank  int
}

// ProtoBuffer is one protocol's staging region plus its fabric memory
// registration handle.
type ProtoBuffer struct {
	Buf []byte
	MR  fabric.MemoryHandle
}

// SendResources is the per-sub proxy-side record for a send connection.
// It is created once by sendProxyConnect and reused across every ProxyOp
// posted on that sub.
type SendResources struct {
	Map       *ConnectMap
	Comm      fabric.SendComm
	Peer      PeerIdentity
	Channel   int
	Shared    bool
	SameProc  bool
	UseGdr    bool
	UseDmaBuf bool
	MaxRecvs  int
	ChunkSize int

	Protos   [numProtocols]ProtoBuffer
	SharedBuf []byte // SIMPLE staging when Shared, aliasing the shared buffer pool

	// SendMemory is this connection's proxy->compute credit header: the
	// proxy writes Head after granting credits or reaping completions, the
	// compute engine reads it to know which ring slots it may reuse.
	SendMemory *SendMem
	// RecvMemory is this connection's compute->proxy control FIFO: the
	// compute engine writes SizesFifo (and Tail, for non-LL readiness) when
	// a slice is ready to transmit; the proxy writes OffsFifo in shared
	// mode to hand back the placement the compute engine must write into.
	RecvMemory *RecvMem
	// GDCHead mirrors SendMemory.Head in a device-resident word reachable
	// from the CPU via GDR-copy, when GDRCOPY_SYNC_ENABLE selected that
	// path during connect. Nil means publish straight to SendMemory.Head.
	GDCHead *atomic.Int64
	// WCMirror marks GDCHead as living in write-combined memory, requiring
	// an additional store fence after every write.
	WCMirror bool

	// Step is the monotone count of slices this sub has completed across
	// every op ever posted on it; it seeds the next op's base.
	Step int
}

// RecvResources is the per-sub proxy-side record for a recv connection.
type RecvResources struct {
	Map       *ConnectMap
	Comm      fabric.RecvComm
	Peer      PeerIdentity
	Channel   int
	Shared    bool
	SameProc  bool
	UseGdr    bool
	NeedFlush bool
	MaxRecvs  int
	ChunkSize int
	// InlineFlush selects an inline CPU read from the GDR-copy flush
	// address instead of the fabric plugin's iflush, per
	// GDRCOPY_FLUSH_ENABLE.
	InlineFlush bool

	Protos    [numProtocols]ProtoBuffer
	SharedBuf []byte

	// SendMemory is read-only from the proxy's point of view on a recv
	// connection: the compute engine advances Head after draining a slot,
	// and Action D polls it to know which slots it may reuse.
	SendMemory *SendMem
	// RecvMemory.Tail is published by the proxy after a completed slice is
	// flushed (or immediately for SIMPLE without flush); the compute
	// engine reads it to know which slices are ready to drain.
	RecvMemory *RecvMem
	GDCTail    *atomic.Int64
	WCMirror   bool

	Step int
}

// ProxyState is the lifecycle state of a ProxyOp, §4.5/§4.6.
type ProxyState int

const (
	StateReady ProxyState = iota
	StateInProgress
	StateNone
)

func (s ProxyState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateInProgress:
		return "in-progress"
	case StateNone:
		return "none"
	default:
		return "unknown"
	}
}

// ProxySubArgs is one sub's slice of a ProxyOp: its connection, the work
// size, and its four monotone cursors. The recv state machine additionally
// uses GroupSize and RecvConn.Comm to drive fused posts.
type ProxySubArgs struct {
	SendConn *SendResources
	RecvConn *RecvResources

	Nsteps int
	Nbytes int
	Base   int

	Posted      int
	Transmitted int
	Received    int // recv only
	Done        int

	// GroupSize is the number of consecutive subs (including this one)
	// fused into one irecv after recv-side reordering; the send path leaves
	// it unset.
	GroupSize int

	// requests holds one in-flight fabric.Request per ring slot, indexed
	// by (Base+cursor) % NCCLSteps. On a recv group leader, the slot
	// may hold first an irecv request, then (after completion) an iflush
	// request, per §4.6 Action B.
	requests [NCCLSteps]fabric.Request
}

// ProxyOp is a batch of subs submitted together by the compute engine,
// progressed until every sub reaches done == nsteps.
type ProxyOp struct {
	Subs     []*ProxySubArgs
	State    ProxyState
	Protocol Protocol
	Shared   bool
	ChannelID int
	NSubs    int

	// maxDepth bounds in-flight slices per sub; computed on entry to Ready
	// per §4.1 (min(NCCLSteps, NCCLSharedSteps/nsubs) when Shared, else
	// NCCLSteps).
	maxDepth int

	// done counts how many subs in this op have reached nsteps; the op
	// transitions to StateNone once done == NSubs.
	done int
}

// MaxDepth reports the per-sub in-flight slice cap for this op.
func (op *ProxyOp) MaxDepth() int { return op.maxDepth }

// NewProxyOp constructs an op in StateReady over the given subs.
func NewProxyOp(subs []*ProxySubArgs, proto Protocol, shared bool, channelID int) *ProxyOp {
	return &ProxyOp{
		Subs:      subs,
		State:     StateReady,
		Protocol:  proto,
		Shared:    shared,
		ChannelID: channelID,
		NSubs:     len(subs),
	}
}

// Done reports whether every sub in the op has completed.
func (op *ProxyOp) Done() bool { return op.done >= op.NSubs }
