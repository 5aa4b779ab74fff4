package fabric

import (
	"errors"
	"sync"
)

// MockProvider is an in-memory Provider used by tests. It loops bytes back
// between a send communicator and the recv communicator paired with it
// through Listen/Connect/Accept, with
// completion latency controlled by CompleteAfter so tests can exercise the
// "plugin returns null" and multi-poll retry paths deterministically.
type MockProvider struct {
	mu sync.Mutex

	// CompleteAfter is how many Test calls on a posted operation report
	// not-done before the next one reports done. Zero or negative completes
	// on the first Test call.
	CompleteAfter int
	// FailISend, when true, makes every ISend return (nil, nil) forever,
	// simulating a fabric with no free network slot.
	FailISend bool

	listens map[int]*mockListen
	nextDev int
}

type mockListen struct {
	dev     int
	pending []*mockRecvComm
}

type mockSendComm struct {
	peer *mockRecvComm
}

type mockRecvComm struct {
	provider *MockProvider
	inbox    [][]byte
	tags     []uint64
}

type mockRequest struct {
	polls  int
	target int
	sizes  []int
	kind   string
}

// NewMockProvider constructs a MockProvider ready for use.
func NewMockProvider() *MockProvider {
	return &MockProvider{listens: make(map[int]*mockListen)}
}

func (m *MockProvider) GetProperties(dev int) (Properties, error) {
	return Properties{PtrSupportHost: true, MaxRecvs: 4}, nil
}

func (m *MockProvider) Listen(dev int) ([]byte, ListenComm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &mockListen{dev: dev}
	m.listens[dev] = l
	return []byte{byte(dev)}, l, nil
}

func (m *MockProvider) Connect(dev int, handle []byte) (SendComm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(handle) == 0 {
		return nil, errors.New("mock: empty handle")
	}
	l, ok := m.listens[int(handle[0])]
	if !ok {
		return nil, errors.New("mock: no listener for handle")
	}
	recv := &mockRecvComm{provider: m}
	l.pending = append(l.pending, recv)
	return &mockSendComm{peer: recv}, nil
}

func (m *MockProvider) Accept(lc ListenComm) (RecvComm, error) {
	l, ok := lc.(*mockListen)
	if !ok || l == nil {
		return nil, errors.New("mock: invalid listen communicator")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, nil
	}
	recv := l.pending[0]
	l.pending = l.pending[1:]
	return recv, nil
}

func (m *MockProvider) RegMr(comm any, buf []byte, kind MemKind) (MemoryHandle, error) {
	return buf, nil
}

func (m *MockProvider) RegMrDmaBuf(comm any, buf []byte, kind MemKind, offset uint64, fd int) (MemoryHandle, error) {
	return buf, nil
}

func (m *MockProvider) DeregMr(comm any, mh MemoryHandle) error { return nil }

func (m *MockProvider) ISend(comm SendComm, buf []byte, tag uint64, mh MemoryHandle) (Request, error) {
	if m.FailISend {
		return nil, nil
	}
	sc, ok := comm.(*mockSendComm)
	if !ok || sc == nil {
		return nil, errors.New("mock: invalid send communicator")
	}
	m.mu.Lock()
	cp := append([]byte(nil), buf...)
	sc.peer.inbox = append(sc.peer.inbox, cp)
	sc.peer.tags = append(sc.peer.tags, tag)
	m.mu.Unlock()
	return &mockRequest{target: m.CompleteAfter, sizes: []int{len(buf)}, kind: "send"}, nil
}

func (m *MockProvider) IRecv(comm RecvComm, bufs [][]byte, tags []uint64, mhs []MemoryHandle) (Request, error) {
	rc, ok := comm.(*mockRecvComm)
	if !ok || rc == nil {
		return nil, errors.New("mock: invalid recv communicator")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(rc.inbox) < len(bufs) {
		return nil, nil
	}
	sizes := make([]int, len(bufs))
	for i, dst := range bufs {
		n := copy(dst, rc.inbox[0])
		sizes[i] = n
		rc.inbox = rc.inbox[1:]
		rc.tags = rc.tags[1:]
	}
	return &mockRequest{target: m.CompleteAfter, sizes: sizes, kind: "recv"}, nil
}

func (m *MockProvider) IFlush(comm RecvComm, bufs [][]byte, mhs []MemoryHandle) (Request, error) {
	sizes := make([]int, len(bufs))
	for i, b := range bufs {
		sizes[i] = len(b)
	}
	return &mockRequest{target: m.CompleteAfter, sizes: sizes, kind: "flush"}, nil
}

func (m *MockProvider) Test(request Request) (bool, []int, error) {
	req, ok := request.(*mockRequest)
	if !ok || req == nil {
		return false, nil, errors.New("mock: invalid request")
	}
	req.polls++
	if req.polls > req.target {
		return true, req.sizes, nil
	}
	return false, nil, nil
}

func (m *MockProvider) CloseSend(comm SendComm) error   { return nil }
func (m *MockProvider) CloseRecv(comm RecvComm) error   { return nil }
func (m *MockProvider) CloseListen(lc ListenComm) error { return nil }

var _ Provider = (*MockProvider)(nil)
