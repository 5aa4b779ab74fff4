package proxyengine

import (
	"runtime"
	"testing"

	"github.com/quorumnet/collnet/fabric"
)

func newTestRecvResources(t *testing.T, comm fabric.RecvComm, useGdr, needFlush, inlineFlush bool) *RecvResources {
	t.Helper()
	res := &RecvResources{
		Comm:        comm,
		MaxRecvs:    1,
		ChunkSize:   DefaultP2PChunkSize,
		UseGdr:      useGdr,
		NeedFlush:   needFlush,
		InlineFlush: inlineFlush,
		SendMemory:  NewSendMem(false),
		RecvMemory:  NewRecvMem(),
	}
	buf := make([]byte, NCCLSteps*128)
	res.Protos[ProtocolSimple] = ProtoBuffer{Buf: buf, MR: buf}
	return res
}

// countingMetrics records how many times each hook fired, embedding
// noopMetrics so it only needs to override what a test cares about.
type countingMetrics struct {
	noopMetrics
	flushIssued      int
	completionReaped int
}

func (c *countingMetrics) FlushIssued(map[string]string)      { c.flushIssued++ }
func (c *countingMetrics) CompletionReaped(map[string]string) { c.completionReaped++ }

// TestRecvProgressGroupedMaxRecvs2 exercises S4: two subs sharing one
// recvComm (maxRecvs=2) must be fused into a single irecv and progress
// together through Actions A-C, then release independently through D once
// the compute engine drains each one's slot.
func TestRecvProgressGroupedMaxRecvs2(t *testing.T) {
	prov := fabric.NewMockProvider()
	sendComm, recvComm := newMockCommPair(t, prov)

	res1 := newTestRecvResources(t, recvComm, false, false, false)
	res2 := newTestRecvResources(t, recvComm, false, false, false)
	res1.MaxRecvs, res2.MaxRecvs = 2, 2

	sub1 := &ProxySubArgs{RecvConn: res1, Nsteps: SliceSteps, Nbytes: 64}
	sub2 := &ProxySubArgs{RecvConn: res2, Nsteps: SliceSteps, Nbytes: 64}
	op := NewProxyOp([]*ProxySubArgs{sub1, sub2}, ProtocolSimple, false, 0)

	recvOpReady(op)
	if sub1.GroupSize != 2 || sub2.GroupSize != 2 {
		t.Fatalf("expected both subs fused into a group of 2, got %d and %d", sub1.GroupSize, sub2.GroupSize)
	}

	if _, err := prov.ISend(sendComm, make([]byte, 64), 0, nil); err != nil {
		t.Fatalf("priming ISend 1: %v", err)
	}
	if _, err := prov.ISend(sendComm, make([]byte, 64), 0, nil); err != nil {
		t.Fatalf("priming ISend 2: %v", err)
	}

	idle, err := RecvProgress(op, prov, nil, nil)
	if err != nil {
		t.Fatalf("RecvProgress (post fused irecv): %v", err)
	}
	if idle {
		t.Fatalf("expected actionA to post the fused irecv")
	}
	if sub1.Posted != SliceSteps || sub2.Posted != SliceSteps {
		t.Fatalf("expected both group members' Posted to advance together")
	}

	if idle, err = RecvProgress(op, prov, nil, nil); err != nil {
		t.Fatalf("RecvProgress (reap irecv): %v", err)
	} else if idle {
		t.Fatalf("expected actionB to reap the completed irecv")
	}
	if sub1.Received != SliceSteps || sub2.Received != SliceSteps {
		t.Fatalf("expected both group members' Received to advance together")
	}

	if idle, err = RecvProgress(op, prov, nil, nil); err != nil {
		t.Fatalf("RecvProgress (publish tail): %v", err)
	} else if idle {
		t.Fatalf("expected actionC to publish the tail for both members")
	}
	if res1.RecvMemory.Tail.Load() != SliceSteps || res2.RecvMemory.Tail.Load() != SliceSteps {
		t.Fatalf("expected both group members' tail to publish independently")
	}

	// The compute engine has drained both slots.
	res1.SendMemory.Head.Store(SliceSteps)
	res2.SendMemory.Head.Store(SliceSteps)

	if idle, err = RecvProgress(op, prov, nil, nil); err != nil {
		t.Fatalf("RecvProgress (release credits): %v", err)
	} else if idle {
		t.Fatalf("expected actionD to release credits for both subs")
	}
	if !op.Done() {
		t.Fatalf("expected op to be done once both subs' credits were released")
	}
	if res1.Step != SliceSteps || res2.Step != SliceSteps {
		t.Fatalf("expected each connection's Step to advance independently")
	}
}

// TestRecvProgressGDRFlushViaPlugin exercises S5's plugin-iflush branch: a
// GDR connection needing a flush must issue one after the irecv completes,
// and the flush must be observable via the metrics hook.
func TestRecvProgressGDRFlushViaPlugin(t *testing.T) {
	prov := fabric.NewMockProvider()
	sendComm, recvComm := newMockCommPair(t, prov)
	res := newTestRecvResources(t, recvComm, true, true, false)
	sub := &ProxySubArgs{RecvConn: res, Nsteps: SliceSteps, Nbytes: 64}
	op := NewProxyOp([]*ProxySubArgs{sub}, ProtocolSimple, false, 0)
	metrics := &countingMetrics{}

	if _, err := prov.ISend(sendComm, make([]byte, 64), 0, nil); err != nil {
		t.Fatalf("priming ISend: %v", err)
	}

	if _, err := RecvProgress(op, prov, metrics, nil); err != nil {
		t.Fatalf("RecvProgress (post irecv): %v", err)
	}
	if _, err := RecvProgress(op, prov, metrics, nil); err != nil {
		t.Fatalf("RecvProgress (reap irecv, issue flush): %v", err)
	}
	if metrics.flushIssued != 1 {
		t.Fatalf("flushIssued = %d, want 1 once the completed recv needed a GDR flush", metrics.flushIssued)
	}
	if sub.Transmitted != 0 {
		t.Fatalf("Transmitted should not advance until the flush itself completes")
	}

	if _, err := RecvProgress(op, prov, metrics, nil); err != nil {
		t.Fatalf("RecvProgress (reap flush, publish tail): %v", err)
	}
	if sub.Transmitted != SliceSteps {
		t.Fatalf("expected the tail to publish once the flush completed")
	}
}

// TestRecvProgressGDRInlineFlush exercises the GDRCOPY_FLUSH_ENABLE inline
// path: on architectures where an ordinary load suffices, no plugin iflush
// is issued, the inline flush counts as progress on the call that performs
// it, and the next call publishes the tail without another Test.
func TestRecvProgressGDRInlineFlush(t *testing.T) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "386" {
		t.Skipf("inline gdr flush is only supported on amd64/386, running on %s", runtime.GOARCH)
	}
	prov := fabric.NewMockProvider()
	sendComm, recvComm := newMockCommPair(t, prov)
	res := newTestRecvResources(t, recvComm, true, true, true)
	sub := &ProxySubArgs{RecvConn: res, Nsteps: SliceSteps, Nbytes: 64}
	op := NewProxyOp([]*ProxySubArgs{sub}, ProtocolSimple, false, 0)
	metrics := &countingMetrics{}

	if _, err := prov.ISend(sendComm, make([]byte, 64), 0, nil); err != nil {
		t.Fatalf("priming ISend: %v", err)
	}
	if _, err := RecvProgress(op, prov, metrics, nil); err != nil {
		t.Fatalf("RecvProgress (post irecv): %v", err)
	}
	idle, err := RecvProgress(op, prov, metrics, nil)
	if err != nil {
		t.Fatalf("RecvProgress (reap irecv, inline flush): %v", err)
	}
	if idle {
		t.Fatalf("expected the inline flush to count as progress")
	}
	if metrics.flushIssued != 1 {
		t.Fatalf("flushIssued = %d, want 1 for the inline flush path too", metrics.flushIssued)
	}

	if idle, err = RecvProgress(op, prov, metrics, nil); err != nil {
		t.Fatalf("RecvProgress (publish tail after inline flush): %v", err)
	} else if idle {
		t.Fatalf("expected actionC to recognize the inline-flush sentinel and publish the tail")
	}
	if sub.Transmitted != SliceSteps {
		t.Fatalf("Transmitted = %d, want %d once the inline flush's tail publish ran", sub.Transmitted, SliceSteps)
	}
}

// TestGroupRecvSubsRespectsMaxRecvsCap verifies that grouping never fuses
// more subs than the shared recvComm's maxRecvs allows, even when more
// subs on that comm are present.
func TestGroupRecvSubsRespectsMaxRecvsCap(t *testing.T) {
	prov := fabric.NewMockProvider()
	_, recvComm := newMockCommPair(t, prov)
	res := newTestRecvResources(t, recvComm, false, false, false)
	res.MaxRecvs = 2

	subs := make([]*ProxySubArgs, 3)
	for i := range subs {
		subs[i] = &ProxySubArgs{RecvConn: res, Nsteps: SliceSteps}
	}
	op := NewProxyOp(subs, ProtocolSimple, false, 0)
	recvOpReady(op)

	if op.Subs[0].GroupSize != 2 {
		t.Fatalf("expected the first group to saturate maxRecvs=2, got %d", op.Subs[0].GroupSize)
	}
	if op.Subs[2].GroupSize != 1 {
		t.Fatalf("expected the third sub to form its own group of 1, got %d", op.Subs[2].GroupSize)
	}
}
