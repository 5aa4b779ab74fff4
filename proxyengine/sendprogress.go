package proxyengine

import (
	"github.com/quorumnet/collnet/fabric"
)

// SendProgress advances every sub of a send-side ProxyOp by at most one
// unit of work per action (§4.5). It returns idle=true when no sub made
// forward progress this call, the cooperative yield hint the caller's
// scheduling loop uses to move on to the next ready op.
func SendProgress(op *ProxyOp, prov fabric.Provider, metrics MetricHook, log Logger) (idle bool, err error) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if log == nil {
		log = noopLogger{}
	}

	if op.State == StateReady {
		sendOpReady(op)
	}
	if op.State != StateInProgress {
		return true, nil
	}

	idle = true
	for _, sub := range op.Subs {
		res := sub.SendConn
		if res == nil {
			return idle, internalErrorf(nil, "sendprogress: sub missing send connection")
		}

		if progressed, e := sendActionA(op, sub, res); e != nil {
			return idle, e
		} else if progressed {
			idle = false
			metrics.CreditsGranted(sendAttrs(op, res))
		}

		if progressed, e := sendActionB(op, sub, res, prov, metrics, log); e != nil {
			return idle, e
		} else if progressed {
			idle = false
		}

		if progressed, e := sendActionC(op, sub, res, prov, metrics); e != nil {
			return idle, e
		} else if progressed {
			idle = false
		}
	}

	if op.Done() {
		op.State = StateNone
	}
	return idle, nil
}

func sendOpReady(op *ProxyOp) {
	if op.Shared {
		op.maxDepth = maxDepthFor(op.NSubs, NCCLSharedSteps)
	} else {
		op.maxDepth = NCCLSteps
	}
	for _, sub := range op.Subs {
		sub.Base = roundUp(sub.SendConn.Step, ChunkSteps)
		sub.Posted, sub.Transmitted, sub.Done = 0, 0, 0
		if sub.Nsteps == 0 {
			// Nothing to send: the sub is complete without touching the fabric.
			op.done++
		}
	}
	op.State = StateInProgress
}

// sendActionA grants a credit: it advances posted and, in shared mode,
// publishes the next shared-pool placement for the compute engine to write
// into via recvMem.offsFifo.
func sendActionA(op *ProxyOp, sub *ProxySubArgs, res *SendResources) (bool, error) {
	if !(sub.Posted < sub.Nsteps && sub.Posted < sub.Done+op.maxDepth) {
		return false, nil
	}
	slot := (sub.Base + sub.Posted) % NCCLSteps

	if op.Shared {
		subIdx := subIndex(op, sub)
		slotIdx := (sub.Posted%op.maxDepth)*op.NSubs + subIdx
		offset := SharedBufferOffset(op.ChannelID, slotIdx, res.ChunkSize)
		res.RecvMemory.OffsFifo[slot].Store(uint32(offset))

		sendHead := int64(sub.Base + sub.Posted + SliceSteps - NCCLSteps)
		publishSendHead(res.SendMemory, res.GDCHead, sendHead)
	}

	sub.Posted += SliceSteps
	return true, nil
}

func subIndex(op *ProxyOp, sub *ProxySubArgs) int {
	for i, s := range op.Subs {
		if s == sub {
			return i
		}
	}
	return 0
}

// sendActionB transmits the slice at the transmitted cursor once the
// compute engine has marked it ready, applying the protocol-specific
// readiness check before calling isend.
func sendActionB(op *ProxyOp, sub *ProxySubArgs, res *SendResources, prov fabric.Provider, metrics MetricHook, log Logger) (bool, error) {
	if !(sub.Transmitted < sub.Posted && sub.Transmitted < sub.Done+NCCLSteps) {
		return false, nil
	}
	slot := (sub.Base + sub.Transmitted) % NCCLSteps

	size := int(res.RecvMemory.SizesFifo[slot].Load())
	if size == -1 {
		return false, nil
	}
	if op.Protocol != ProtocolLL && op.Protocol != ProtocolLL128 {
		if res.RecvMemory.Tail.Load() <= int64(sub.Base+sub.Transmitted) {
			return false, nil
		}
	}

	buf := sendBuffer(op, res, slot, size)
	if buf == nil {
		return false, internalErrorf(nil, "sendprogress: no staging buffer for protocol %s", op.Protocol)
	}

	step := sub.Base + sub.Transmitted + 1
	switch op.Protocol {
	case ProtocolLL:
		if !llReady(buf, size, step) {
			return false, nil
		}
	case ProtocolLL128:
		if !ll128Ready(buf, size, step, res.UseGdr) {
			return false, nil
		}
	}

	mh := res.Protos[op.Protocol].MR
	req, err := prov.ISend(res.Comm, buf[:size], uint64(res.Peer.LocalRank), mh)
	if err != nil {
		metrics.SendFailed(err, sendAttrs(op, res))
		return false, netErrorf("isend", err)
	}
	if req == nil {
		// No free network slot this round; retry next call.
		return false, nil
	}

	res.RecvMemory.SizesFifo[slot].Store(-1)
	sub.requests[slot] = req
	sub.Transmitted += SliceSteps
	metrics.SendIssued(sendAttrs(op, res))
	log.Debugf("proxyengine: isend channel=%d slot=%d size=%d", op.ChannelID, slot, size)
	return true, nil
}

func sendBuffer(op *ProxyOp, res *SendResources, slot, size int) []byte {
	if op.Protocol == ProtocolSimple && op.Shared {
		off := int(res.RecvMemory.OffsFifo[slot].Load())
		if off+size > len(res.SharedBuf) {
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

// sendActionC reaps a completed transmit and republishes credit.
func sendActionC(op *ProxyOp, sub *ProxySubArgs, res *SendResources, prov fabric.Provider, metrics MetricHook) (bool, error) {
	if !(sub.Done < sub.Transmitted) {
		return false, nil
	}
	slot := (sub.Base + sub.Done) % NCCLSteps
	req := sub.requests[slot]
	if req == nil {
		return false, nil
	}
	done, _, err := prov.Test(req)
	if err != nil {
		metrics.SendFailed(err, sendAttrs(op, res))
		return false, netErrorf("test", err)
	}
	if !done {
		return false, nil
	}

	sub.Done += SliceSteps
	metrics.CompletionReaped(sendAttrs(op, res))
	if !op.Shared {
		publishSendHead(res.SendMemory, res.GDCHead, int64(sub.Base+sub.Done))
	}
	if sub.Done == sub.Nsteps {
		res.Step = sub.Base + sub.Nsteps
		op.done++
	}
	return true, nil
}

func sendAttrs(op *ProxyOp, res *SendResources) map[string]string {
	return map[string]string{
		labelChannel:   itoa(op.ChannelID),
		labelProtocol:  op.Protocol.String(),
		labelDirection: "send",
		labelShared:    boolStr(op.Shared),
	}
}
