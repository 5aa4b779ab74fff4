package fabric

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/libfabric-go/fi"
)

// fiRequest tracks one or more posted libfabric operations as a single
// non-blocking Request. Fused receives and flushes post one completion
// context per buffer; Test resolves whichever of this provider's contexts
// have matching completion-queue entries until every slot is satisfied.
type fiRequest struct {
	cq       *fi.CompletionQueue
	contexts []*fi.CompletionContext
	sizes    []int
	resolved []bool
}

func newFiRequest(cq *fi.CompletionQueue, n int) *fiRequest {
	return &fiRequest{cq: cq, contexts: make([]*fi.CompletionContext, n), sizes: make([]int, n), resolved: make([]bool, n)}
}

func (r *fiRequest) allDone() bool {
	for _, ok := range r.resolved {
		if !ok {
			return false
		}
	}
	return true
}

// ISend posts a single tagged send, grounded on fi.Endpoint.PostTaggedSend.
// A nil, nil return (no error, no request) means the provider has no free
// network slot this round; the caller retries on the next progress call.
func (p *FiProvider) ISend(comm SendComm, buf []byte, tag uint64, mh MemoryHandle) (Request, error) {
	sc, ok := comm.(*fiSendComm)
	if !ok || sc == nil {
		return nil, errors.New("fabric: invalid send communicator")
	}
	ctx, err := sc.ep.PostTaggedSend(&fi.TaggedSendRequest{Buffer: buf, Tag: tag})
	if err != nil {
		if errors.Is(err, fi.ErrCapabilityUnsupported) {
			return nil, nil
		}
		return nil, fmt.Errorf("fabric: isend: %w", err)
	}
	req := newFiRequest(sc.cq, 1)
	req.contexts[0] = ctx
	req.sizes[0] = len(buf)
	p.track(req, 0, ctx)
	return req, nil
}

// IRecv posts a fused receive across n buffers as a single Request. The
// vendored bindings have no native multi-buffer post, so this composes n
// PostTaggedRecv calls and only reports the group done once every slot has
// completed, matching the external interface's single req|null contract.
func (p *FiProvider) IRecv(comm RecvComm, bufs [][]byte, tags []uint64, mhs []MemoryHandle) (Request, error) {
	rc, ok := comm.(*fiRecvComm)
	if !ok || rc == nil {
		return nil, errors.New("fabric: invalid recv communicator")
	}
	if len(bufs) != len(tags) {
		return nil, errors.New("fabric: irecv buffer/tag count mismatch")
	}
	req := newFiRequest(rc.cq, len(bufs))
	for i, buf := range bufs {
		ctx, err := rc.ep.PostTaggedRecv(&fi.TaggedRecvRequest{Buffer: buf, Tag: tags[i]})
		if err != nil {
			if errors.Is(err, fi.ErrCapabilityUnsupported) && i == 0 {
				return nil, nil
			}
			return nil, fmt.Errorf("fabric: irecv buffer %d: %w", i, err)
		}
		req.contexts[i] = ctx
		req.sizes[i] = len(buf)
		p.track(req, i, ctx)
	}
	return req, nil
}

// IFlush issues a forced RMA read back over each buffer to drain any
// outstanding GDR write, grounded on fi.Endpoint.PostRead.
func (p *FiProvider) IFlush(comm RecvComm, bufs [][]byte, mhs []MemoryHandle) (Request, error) {
	rc, ok := comm.(*fiRecvComm)
	if !ok || rc == nil {
		return nil, errors.New("fabric: invalid recv communicator")
	}
	req := newFiRequest(rc.cq, len(bufs))
	for i, buf := range bufs {
		if len(buf) == 0 {
			req.resolved[i] = true
			continue
		}
		ctx, err := rc.ep.PostRead(&fi.RMARequest{Buffer: buf[:1]})
		if err != nil {
			return nil, fmt.Errorf("fabric: iflush buffer %d: %w", i, err)
		}
		req.contexts[i] = ctx
		req.sizes[i] = len(buf)
		p.track(req, i, ctx)
	}
	return req, nil
}

func (p *FiProvider) track(req *fiRequest, idx int, ctx *fi.CompletionContext) {
	p.ownersMu.Lock()
	p.owners[ctx] = ctxOwner{req: req, idx: idx}
	p.ownersMu.Unlock()
}

// Test drains the request's completion queue without blocking, reading
// entries until the queue reports no more completions and marking whichever
// tracked operations they resolve. It returns done=true only once every
// posted buffer in the request has a matching completion queue entry.
func (p *FiProvider) Test(request Request) (bool, []int, error) {
	req, ok := request.(*fiRequest)
	if !ok || req == nil {
		return false, nil, errors.New("fabric: invalid request")
	}
	if req.allDone() {
		return true, req.sizes, nil
	}

	for {
		evt, err := req.cq.ReadContext()
		if err != nil {
			if errors.Is(err, fi.ErrNoCompletion) {
				break
			}
			return false, nil, fmt.Errorf("fabric: test: %w", err)
		}
		ctx, err := evt.Resolve()
		if err != nil {
			continue
		}
		p.ownersMu.Lock()
		owner, known := p.owners[ctx]
		if known {
			delete(p.owners, ctx)
		}
		p.ownersMu.Unlock()
		if !known {
			continue
		}
		owner.req.resolved[owner.idx] = true
		if owner.req == req {
			if req.allDone() {
				return true, req.sizes, nil
			}
			continue
		}
	}
	return req.allDone(), req.sizes, nil
}

// CloseSend releases a send communicator's endpoint.
func (p *FiProvider) CloseSend(comm SendComm) error {
	sc, ok := comm.(*fiSendComm)
	if !ok || sc == nil {
		return nil
	}
	return sc.ep.Close()
}

// CloseRecv releases a receive communicator's endpoint.
func (p *FiProvider) CloseRecv(comm RecvComm) error {
	rc, ok := comm.(*fiRecvComm)
	if !ok || rc == nil {
		return nil
	}
	return rc.ep.Close()
}

// CloseListen releases a listen communicator's passive endpoint and event queue.
func (p *FiProvider) CloseListen(lc ListenComm) error {
	listen, ok := lc.(*fiListenComm)
	if !ok || listen == nil {
		return nil
	}
	err := listen.pep.Close()
	if eqErr := listen.eq.Close(); eqErr != nil && err == nil {
		err = eqErr
	}
	return err
}
