package proxyengine

import (
	"runtime"

	"github.com/quorumnet/collnet/fabric"
)

// inlineFlushRequest is the sentinel stored in requests[slot] when Action B
// took the inline-CPU-read flush path instead of posting a plugin iflush;
// Action C recognizes it and proceeds without another Test call.
type inlineFlushRequest struct{}

var inlineFlushDone = &inlineFlushRequest{}

// RecvProgress advances every group of a recv-side ProxyOp (§4.6). Groups
// are fused sets of consecutive subs sharing one fabric recvComm, bounded
// by that comm's maxRecvs; grouping is computed once, on entry to Ready,
// by reordering op.Subs in place. idle is true when no group made forward
// progress on this call.
func RecvProgress(op *ProxyOp, prov fabric.Provider, metrics MetricHook, log Logger) (idle bool, err error) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if log == nil {
		log = noopLogger{}
	}

	if op.State == StateReady {
		recvOpReady(op)
	}
	if op.State != StateInProgress {
		return true, nil
	}

	idle = true
	stopABC := false
	for i := 0; i < len(op.Subs) && !stopABC; {
		leader := op.Subs[i]
		gsize := leader.GroupSize
		if gsize <= 0 {
			gsize = 1
		}
		if i+gsize > len(op.Subs) {
			gsize = len(op.Subs) - i
		}
		group := op.Subs[i : i+gsize]
		i += gsize

		progressed, e := recvGroupActionA(op, group, prov, metrics, log)
		if e != nil {
			return idle, e
		}
		if progressed {
			idle = false
			stopABC = true
			continue
		}

		progressed, e = recvGroupActionB(op, group, prov, metrics)
		if e != nil {
			return idle, e
		}
		if progressed {
			idle = false
			stopABC = true
			continue
		}

		progressed, e = recvGroupActionC(op, group, prov)
		if e != nil {
			return idle, e
		}
		if progressed {
			idle = false
			stopABC = true
		}
	}

	for _, sub := range op.Subs {
		progressed, e := recvActionD(op, sub)
		if e != nil {
			return idle, e
		}
		if progressed {
			idle = false
			metrics.CompletionReaped(recvAttrs(op, sub.RecvConn))
		}
	}

	if op.Done() {
		op.State = StateNone
	}
	return idle, nil
}

func recvOpReady(op *ProxyOp) {
	if op.Shared {
		op.maxDepth = maxDepthFor(op.NSubs, NCCLSharedSteps)
	} else {
		op.maxDepth = NCCLSteps
	}
	for _, sub := range op.Subs {
		sub.Base = roundUp(sub.RecvConn.Step, ChunkSteps)
		sub.Posted, sub.Received, sub.Transmitted, sub.Done = 0, 0, 0, 0
	}
	groupRecvSubs(op)
	op.State = StateInProgress
}

// groupRecvSubs reorders op.Subs in place so that consecutive subs sharing
// a recvComm are adjacent, in runs no longer than that comm's maxRecvs, and
// stamps every member's GroupSize with the resulting run length.
func groupRecvSubs(op *ProxyOp) {
	subs := op.Subs
	used := make([]bool, len(subs))
	ordered := make([]*ProxySubArgs, 0, len(subs))

	for i := range subs {
		if used[i] {
			continue
		}
		group := []*ProxySubArgs{subs[i]}
		used[i] = true
		maxRecvs := subs[i].RecvConn.MaxRecvs
		if maxRecvs <= 0 {
			maxRecvs = 1
		}
		for j := i + 1; j < len(subs) && len(group) < maxRecvs; j++ {
			if used[j] {
				continue
			}
			if subs[j].RecvConn.Comm == subs[i].RecvConn.Comm {
				group = append(group, subs[j])
				used[j] = true
			}
		}
		for _, s := range group {
			s.GroupSize = len(group)
		}
		ordered = append(ordered, group...)
	}
	copy(op.Subs, ordered)
}

func recvSliceSize(res *RecvResources, stepSize int, sub *ProxySubArgs) int {
	if stepSize <= 0 {
		return 0
	}
	sliceIdx := sub.Posted / SliceSteps
	remaining := sub.Nbytes - sliceIdx*stepSize
	if remaining <= 0 {
		return 0
	}
	if remaining < stepSize {
		return remaining
	}
	return stepSize
}

func recvStepSize(op *ProxyOp, res *RecvResources) int {
	if op.Protocol == ProtocolSimple && op.Shared {
		return res.ChunkSize
	}
	buf := res.Protos[op.Protocol].Buf
	if len(buf) == 0 {
		return 0
	}
	return len(buf) / NCCLSteps
}

// recvBuffer resolves sub's slot into a staging byte slice. In shared
// SIMPLE mode the placement is derived from sub.Posted, not sub.Received,
// even when called after Action B has already advanced Received: the
// shared-offset formula is only load-bearing before the offset has
// advanced between post and flush, and this preserves that ordering (open
// question, §9).
func recvBuffer(op *ProxyOp, res *RecvResources, sub *ProxySubArgs, subIdx, slot int) []byte {
	if op.Protocol == ProtocolSimple && op.Shared {
		slotIdx := (sub.Posted%op.maxDepth)*op.NSubs + subIdx
		off := SharedBufferOffset(op.ChannelID, slotIdx, res.ChunkSize)
		if off > len(res.SharedBuf) {
			return nil
		}
		return res.SharedBuf[off:]
	}
	buf := res.Protos[op.Protocol].Buf
	if len(buf) == 0 {
		return nil
	}
	stepSize := len(buf) / NCCLSteps
	off := slot * stepSize
	if off > len(buf) {
		return nil
	}
	return buf[off:]
}

// recvGroupActionA posts one fused irecv covering every member of group,
// or skips the whole group this round if any member cannot yet accept more
// in-flight slices (fuse or nothing).
func recvGroupActionA(op *ProxyOp, group []*ProxySubArgs, prov fabric.Provider, metrics MetricHook, log Logger) (bool, error) {
	leader := group[0]
	for _, s := range group {
		if !(s.Posted < s.Nsteps && s.Posted < s.Done+op.maxDepth) {
			return false, nil
		}
	}

	bufs := make([][]byte, 0, len(group))
	tags := make([]uint64, 0, len(group))
	mhs := make([]fabric.MemoryHandle, 0, len(group))
	for _, s := range group {
		res := s.RecvConn
		slot := (s.Base + s.Posted) % NCCLSteps
		subIdx := subIndex(op, s)
		stepSize := recvStepSize(op, res)
		size := recvSliceSize(res, stepSize, s)
		buf := recvBuffer(op, res, s, subIdx, slot)
		if buf == nil {
			return false, internalErrorf(nil, "recvprogress: no staging buffer for protocol %s", op.Protocol)
		}
		if size > len(buf) {
			size = len(buf)
		}
		bufs = append(bufs, buf[:size])
		tags = append(tags, uint64(res.Peer.RemoteRank))
		mhs = append(mhs, res.Protos[op.Protocol].MR)
	}

	req, err := prov.IRecv(leader.RecvConn.Comm, bufs, tags, mhs)
	if err != nil {
		metrics.RecvFailed(err, recvAttrs(op, leader.RecvConn))
		return false, netErrorf("irecv", err)
	}
	if req == nil {
		return false, nil
	}

	slot := (leader.Base + leader.Posted) % NCCLSteps
	leader.requests[slot] = req
	for _, s := range group {
		s.Posted += SliceSteps
	}
	metrics.RecvPosted(recvAttrs(op, leader.RecvConn))
	log.Debugf("proxyengine: irecv channel=%d groupSize=%d slot=%d", op.ChannelID, len(group), slot)
	return true, nil
}

// recvGroupActionB polls the group's posted request; on completion it
// optionally issues a GDR flush (inline read or plugin iflush) before the
// group's slice can be committed to the tail in Action C.
func recvGroupActionB(op *ProxyOp, group []*ProxySubArgs, prov fabric.Provider, metrics MetricHook) (bool, error) {
	leader := group[0]
	if !(leader.Posted > leader.Received) {
		return false, nil
	}
	slot := (leader.Base + leader.Received) % NCCLSteps
	req := leader.requests[slot]
	if req == nil {
		return false, nil
	}
	done, sizes, err := prov.Test(req)
	if err != nil {
		metrics.RecvFailed(err, recvAttrs(op, leader.RecvConn))
		return false, netErrorf("test", err)
	}
	if !done {
		return false, nil
	}

	for _, s := range group {
		s.Received += SliceSteps
	}

	needFlush := false
	totalSize := 0
	for idx, s := range group {
		res := s.RecvConn
		if res.UseGdr && res.NeedFlush {
			needFlush = true
		}
		if idx < len(sizes) {
			totalSize += sizes[idx]
		}
	}

	if op.Protocol == ProtocolSimple && totalSize > 0 && needFlush {
		bufs := make([][]byte, 0, len(group))
		mhs := make([]fabric.MemoryHandle, 0, len(group))
		for idx, s := range group {
			res := s.RecvConn
			subIdx := subIndex(op, s)
			buf := recvBuffer(op, res, s, subIdx, slot)
			sz := 0
			if idx < len(sizes) {
				sz = sizes[idx]
			}
			if sz > len(buf) {
				sz = len(buf)
			}
			bufs = append(bufs, buf[:sz])
			mhs = append(mhs, res.Protos[op.Protocol].MR)
		}

		if leader.RecvConn.InlineFlush {
			if err := recvInlineFlush(bufs); err != nil {
				return true, err
			}
			leader.requests[slot] = inlineFlushDone
			metrics.FlushIssued(recvAttrs(op, leader.RecvConn))
			return true, nil
		}

		flushReq, err := prov.IFlush(leader.RecvConn.Comm, bufs, mhs)
		if err != nil {
			metrics.RecvFailed(err, recvAttrs(op, leader.RecvConn))
			return true, netErrorf("iflush", err)
		}
		leader.requests[slot] = flushReq
		metrics.FlushIssued(recvAttrs(op, leader.RecvConn))
	}
	return true, nil
}

// recvInlineFlush performs the single inline CPU read from the GDR-copy
// flush address that GDRCOPY_FLUSH_ENABLE selects in place of a plugin
// iflush. The original only supports this on x86, where an ordinary load
// instruction is sufficient to force a posted PCIe write to complete;
// every other architecture fails with InternalError rather than silently
// skipping the flush.
func recvInlineFlush(bufs [][]byte) error {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "386" {
		return internalErrorf(nil, "recvprogress: inline gdr flush unsupported on %s", runtime.GOARCH)
	}
	for _, buf := range bufs {
		if len(buf) > 0 {
			_ = buf[0]
		}
	}
	return nil
}

// recvGroupActionC commits a completed (and, if needed, flushed) group to
// the tail every member publishes to the compute engine.
func recvGroupActionC(op *ProxyOp, group []*ProxySubArgs, prov fabric.Provider) (bool, error) {
	leader := group[0]
	if !(leader.Received > leader.Transmitted) {
		return false, nil
	}
	slot := (leader.Base + leader.Transmitted) % NCCLSteps
	req := leader.requests[slot]
	if req == nil {
		return false, nil
	}
	if req != inlineFlushDone {
		done, _, err := prov.Test(req)
		if err != nil {
			return false, netErrorf("test", err)
		}
		if !done {
			return false, nil
		}
	}

	for _, s := range group {
		s.Transmitted += SliceSteps
		res := s.RecvConn
		publishRecvTail(res.RecvMemory, res.GDCTail, int64(s.Base+s.Transmitted))
	}
	return true, nil
}

// recvActionD releases credits as the compute engine advances sendMem.head
// to signal it has drained a slot.
func recvActionD(op *ProxyOp, sub *ProxySubArgs) (bool, error) {
	res := sub.RecvConn
	progressed := false
	for res.SendMemory.Head.Load() > int64(sub.Base+sub.Done) && sub.Transmitted > sub.Done {
		sub.Done += SliceSteps
		progressed = true
		if sub.Done == sub.Nsteps {
			res.Step = sub.Base + sub.Nsteps
			op.done++
		}
	}
	return progressed, nil
}

func recvAttrs(op *ProxyOp, res *RecvResources) map[string]string {
	return map[string]string{
		labelChannel:   itoa(op.ChannelID),
		labelProtocol:  op.Protocol.String(),
		labelDirection: "recv",
		labelShared:    boolStr(op.Shared),
	}
}
