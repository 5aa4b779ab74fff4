package proxyengine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/quorumnet/collnet/fabric"
	"github.com/quorumnet/collnet/shm"
)

// sendMemWireSize/recvMemWireSize are the byte counts the bank map records
// for the sendMem/recvMem slots. The control structures themselves are
// native Go atomics (SendMem/RecvMem in stagingmem.go); these sizes exist
// only so the bank map's layout
// accounting and cross-process shm allocation match what a real
// byte-addressed mapping would require.
func sendMemWireSize() int { return 8 }
func recvMemWireSize() int { return 8 + NCCLSteps*4 + NCCLSteps*4 }

// DefaultStepSize returns the canonical per-slot byte count for protocol p,
// used to size a dedicated (non-shared) protocol buffer as
// NCCLSteps*DefaultStepSize(p).
func DefaultStepSize(p Protocol) int {
	switch p {
	case ProtocolLL:
		return 16 * LLLineSize
	case ProtocolLL128:
		return 16 * LL128LineSize
	default:
		return DefaultP2PChunkSize
	}
}

// pendingKey identifies one in-flight connection establishment: a channel
// on a (local, remote) rank pair, in one direction.
type pendingKey struct {
	channelID  int
	localRank  int
	remoteRank int
	send       bool
}

type pendingConn struct {
	req         SetupReq
	shared      bool
	sameProcess bool
	useGdr      bool
	netDev      int
	useDmaBuf   bool
	maxRecvs    int

	// recv only
	listenHandle []byte
	listenComm   fabric.ListenComm

	sendRes *SendResources
	recvRes *RecvResources

	// commShared/commKeyVal record whether this connection dialed into a
	// refcounted shared fabric comm, and under which key, so teardown can
	// release it instead of closing a comm other connections still use.
	commShared bool
	commKeyVal commKey

	// hostRegion is the shm-backed host bank allocated for a cross-process
	// connection, kept here so teardown can close and unlink it without
	// reopening the segment from its path.
	hostRegion *shm.Region
}

// ProxyServer is the proxy-side handler for the Setup and Connect RPCs
// (§4.4). One instance owns every resource this rank's proxy thread
// allocates; ProxyChannel implementations (DirectChannel in this
// repository) dispatch decoded requests into it.
type ProxyServer struct {
	Provider  fabric.Provider
	State     *ProgressState
	Config    Config
	Rank      int
	DeviceID  int
	ChunkSize int
	NChannels int
	ShmDir    string
	Log       Logger
	Metrics   MetricHook
	Tracer    Tracer

	mu      sync.Mutex
	pending map[pendingKey]*pendingConn
}

// NewProxyServer constructs a ProxyServer with the given rank's identity
// and a fresh ProgressState backed by shmDir.
func NewProxyServer(prov fabric.Provider, rank, deviceID int, shmDir string, cfg Config) *ProxyServer {
	chunk := DefaultP2PChunkSize
	return &ProxyServer{
		Provider:  prov,
		State:     NewProgressState(shmDir),
		Config:    cfg,
		Rank:      rank,
		DeviceID:  deviceID,
		ChunkSize: chunk,
		NChannels: 1,
		ShmDir:    shmDir,
		pending:   make(map[pendingKey]*pendingConn),
	}
}

func (s *ProxyServer) logger() Logger {
	if s.Log == nil {
		return noopLogger{}
	}
	return s.Log
}

func (s *ProxyServer) metrics() MetricHook {
	if s.Metrics == nil {
		return noopMetrics{}
	}
	return s.Metrics
}

// HandleSetup implements sendProxySetup/recvProxySetup (§4.4): it
// allocates the pending connection record, queries the NIC's capability
// bits, and — on the recv side — opens the fabric listen endpoint so its
// handle can ride back to the compute side in this same response.
func (s *ProxyServer) HandleSetup(req SetupReq, send bool) (SetupResp, error) {
	key := pendingKey{channelID: int(req.ChannelID), localRank: int(req.LocalRank), remoteRank: int(req.RemoteRank), send: send}
	sameProcess := req.SameProcess != 0

	span := startSpan(s.Tracer, "proxyengine.setup",
		TraceAttribute{Key: "channel", Value: int(req.ChannelID)},
		TraceAttribute{Key: "remote", Value: int(req.RemoteRank)},
		TraceAttribute{Key: "send", Value: send})
	resp, err := s.handleSetup(req, send, key, sameProcess)
	endSpan(span, err)
	return resp, err
}

func (s *ProxyServer) handleSetup(req SetupReq, send bool, key pendingKey, sameProcess bool) (SetupResp, error) {
	if !send && !sameProcess {
		return SetupResp{}, internalErrorf(nil, "recvProxySetup: cross-process proxy is not supported on the recv side")
	}

	props, err := s.Provider.GetProperties(int(req.NetDev))
	if err != nil {
		return SetupResp{}, netErrorf("getProperties", err)
	}

	useGdr := req.UseGdr != 0
	useDmaBuf := useGdr && props.PtrSupportDmaBuf
	maxRecvs := props.MaxRecvs
	if maxRecvs <= 0 {
		maxRecvs = 1
	}

	pc := &pendingConn{
		req:         req,
		shared:      req.Shared != 0,
		sameProcess: sameProcess,
		useGdr:      useGdr,
		netDev:      int(req.NetDev),
		useDmaBuf:   useDmaBuf,
		maxRecvs:    maxRecvs,
	}

	resp := SetupResp{ProxyRank: int32(s.Rank), UseDmaBuf: boolInt32(useDmaBuf), MaxRecvs: int32(maxRecvs), Done: 1}

	if !send {
		handle, listenComm, err := s.Provider.Listen(int(req.NetDev))
		if err != nil {
			return SetupResp{}, netErrorf("listen", err)
		}
		if len(handle) > connectHandleCap {
			return SetupResp{}, internalErrorf(nil, "listen handle too large: %d > %d", len(handle), connectHandleCap)
		}
		pc.listenHandle = handle
		pc.listenComm = listenComm
		resp.HandleLen = int32(len(handle))
		copy(resp.Handle[:], handle)
	}

	s.mu.Lock()
	s.pending[key] = pc
	s.mu.Unlock()

	s.logger().Debugf("proxyengine: setup channel=%d local=%d remote=%d send=%v shared=%v",
		req.ChannelID, req.LocalRank, req.RemoteRank, send, pc.shared)
	return resp, nil
}

// HandleConnect implements sendProxyConnect/recvProxyConnect (§4.4). It may
// be called more than once for the same key: a nil communicator from the
// fabric plugin is "not ready" and the caller re-drives Connect on its next
// call, per §5's suspension-point contract.
func (s *ProxyServer) HandleConnect(key pendingKey, req ConnectReq) (ConnectResp, error) {
	span := startSpan(s.Tracer, "proxyengine.connect",
		TraceAttribute{Key: "channel", Value: key.channelID},
		TraceAttribute{Key: "remote", Value: key.remoteRank},
		TraceAttribute{Key: "send", Value: key.send})
	resp, err := s.handleConnect(key, req)
	endSpan(span, err)
	return resp, err
}

func (s *ProxyServer) handleConnect(key pendingKey, req ConnectReq) (ConnectResp, error) {
	s.mu.Lock()
	pc, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		return ConnectResp{}, internalErrorf(nil, "connect before setup for %+v", key)
	}

	if key.send {
		return s.sendProxyConnect(key, pc, req)
	}
	return s.recvProxyConnect(key, pc)
}

// SendResourcesFor returns the SendResources built by a completed send
// connect for key, or nil if none exists yet.
func (s *ProxyServer) SendResourcesFor(key pendingKey) *SendResources {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.pending[key]; ok {
		return pc.sendRes
	}
	return nil
}

// RecvResourcesFor returns the RecvResources built by a completed recv
// connect for key, or nil if none exists yet.
func (s *ProxyServer) RecvResourcesFor(key pendingKey) *RecvResources {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.pending[key]; ok {
		return pc.recvRes
	}
	return nil
}

func boolInt32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

func randomIPCHandle() []byte {
	id := uuid.New()
	b := id[:]
	return append([]byte(nil), b...)
}

func connectMapDebug(m *ConnectMap) string {
	return fmt.Sprintf("%v", m.DebugDump())
}
