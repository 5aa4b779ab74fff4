package proxyengine

import (
	"encoding/binary"
)

// MsgKind names one of the two proxy RPC messages exchanged during
// connection establishment (§4.4). Teardown has no message of its own: it
// runs as a direct call once the compute engine has withdrawn every
// outstanding op.
type MsgKind int

const (
	MsgSetup MsgKind = iota
	MsgConnect
)

func (k MsgKind) String() string {
	if k == MsgSetup {
		return "setup"
	}
	return "connect"
}

// connectHandleCap bounds the opaque fabric listen address carried in a
// ConnectReq. Real provider addresses (libfabric FI_ADDR_STR / raw OFI
// addresses) fit comfortably within this; a longer handle is a caller bug,
// not a wire-format extension point.
const connectHandleCap = 128

// SetupReq is the compute-side request that starts a connection: which
// rank pair and channel it names, and the placement decisions the
// compute side already made via Topology before calling into the proxy.
type SetupReq struct {
	Rank        int32
	LocalRank   int32
	RemoteRank  int32
	Shared      int32
	NetDev      int32
	UseGdr      int32
	ChannelID   int32
	ConnIndex   int32
	SameProcess int32
}

const setupReqSize = 9 * 4

// SetupResp is the proxy's answer: the resources are allocated (but not
// yet wired to a fabric communicator) and the compute side learns the
// capability bits it needs before requesting Connect. On the recv side
// HandleLen/Handle additionally carry the opaque fabric listen address the
// compute side must relay to its peer over the out-of-scope bootstrap
// channel; the send side leaves HandleLen zero. Shaping both directions'
// responses identically keeps the message a fixed size per MsgKind.
type SetupResp struct {
	ProxyRank int32
	UseDmaBuf int32
	MaxRecvs  int32
	Done      int32
	HandleLen int32
	Handle    [connectHandleCap]byte
}

const setupRespSize = 4*4 + 4 + connectHandleCap

// ConnectReq carries the peer's opaque fabric handle (obtained by the
// compute side over the out-of-scope bootstrap channel) into the proxy
// that will dial or accept it.
type ConnectReq struct {
	HandleLen int32
	Handle    [connectHandleCap]byte
}

const connectReqSize = 4 + connectHandleCap

// ConnectResp carries the populated ConnectMap back to the compute side,
// or Done=0 when the fabric communicator was not yet ready and the caller
// must re-drive Connect on the next call.
type ConnectResp struct {
	Done    int32
	MapLen  int32
	MapData []byte
}

func connectRespSize(mapLen int) int { return 4 + 4 + mapLen }

func encodeSetupReq(r SetupReq) []byte {
	buf := make([]byte, setupReqSize)
	fields := []int32{r.Rank, r.LocalRank, r.RemoteRank, r.Shared, r.NetDev, r.UseGdr, r.ChannelID, r.ConnIndex, r.SameProcess}
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(f))
	}
	return buf
}

func decodeSetupReq(b []byte) (SetupReq, error) {
	if len(b) != setupReqSize {
		return SetupReq{}, internalErrorf(nil, "setupReqSize mismatch: got %d want %d", len(b), setupReqSize)
	}
	f := func(i int) int32 { return int32(binary.LittleEndian.Uint32(b[i*4:])) }
	return SetupReq{
		Rank: f(0), LocalRank: f(1), RemoteRank: f(2), Shared: f(3),
		NetDev: f(4), UseGdr: f(5), ChannelID: f(6), ConnIndex: f(7), SameProcess: f(8),
	}, nil
}

func encodeSetupResp(r SetupResp) []byte {
	buf := make([]byte, setupRespSize)
	fields := []int32{r.ProxyRank, r.UseDmaBuf, r.MaxRecvs, r.Done, r.HandleLen}
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(f))
	}
	copy(buf[20:], r.Handle[:])
	return buf
}

func decodeSetupResp(b []byte) (SetupResp, error) {
	if len(b) != setupRespSize {
		return SetupResp{}, internalErrorf(nil, "setupRespSize mismatch: got %d want %d", len(b), setupRespSize)
	}
	f := func(i int) int32 { return int32(binary.LittleEndian.Uint32(b[i*4:])) }
	r := SetupResp{ProxyRank: f(0), UseDmaBuf: f(1), MaxRecvs: f(2), Done: f(3), HandleLen: f(4)}
	copy(r.Handle[:], b[20:])
	return r, nil
}

func (r SetupResp) handle() []byte { return append([]byte(nil), r.Handle[:r.HandleLen]...) }

func encodeConnectReq(r ConnectReq) ([]byte, error) {
	if int(r.HandleLen) > connectHandleCap {
		return nil, internalErrorf(nil, "connect handle too large: %d > %d", r.HandleLen, connectHandleCap)
	}
	buf := make([]byte, connectReqSize)
	binary.LittleEndian.PutUint32(buf, uint32(r.HandleLen))
	copy(buf[4:], r.Handle[:])
	return buf, nil
}

func decodeConnectReq(b []byte) (ConnectReq, error) {
	if len(b) != connectReqSize {
		return ConnectReq{}, internalErrorf(nil, "connectReqSize mismatch: got %d want %d", len(b), connectReqSize)
	}
	var r ConnectReq
	r.HandleLen = int32(binary.LittleEndian.Uint32(b))
	copy(r.Handle[:], b[4:])
	return r, nil
}

func newConnectReq(handle []byte) (ConnectReq, error) {
	if len(handle) > connectHandleCap {
		return ConnectReq{}, internalErrorf(nil, "connect handle too large: %d > %d", len(handle), connectHandleCap)
	}
	var r ConnectReq
	r.HandleLen = int32(len(handle))
	copy(r.Handle[:], handle)
	return r, nil
}

func (r ConnectReq) handle() []byte { return append([]byte(nil), r.Handle[:r.HandleLen]...) }

func encodeConnectResp(r ConnectResp) []byte {
	buf := make([]byte, connectRespSize(len(r.MapData)))
	binary.LittleEndian.PutUint32(buf, uint32(r.Done))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(r.MapData)))
	copy(buf[8:], r.MapData)
	return buf
}

func decodeConnectResp(b []byte) (ConnectResp, error) {
	if len(b) < 8 {
		return ConnectResp{}, internalErrorf(nil, "connectRespSize mismatch: got %d want at least 8", len(b))
	}
	done := int32(binary.LittleEndian.Uint32(b))
	mapLen := int32(binary.LittleEndian.Uint32(b[4:]))
	if connectRespSize(int(mapLen)) != len(b) {
		return ConnectResp{}, internalErrorf(nil,
			"connectRespSize mismatch: got %d want %d", len(b), connectRespSize(int(mapLen)))
	}
	return ConnectResp{Done: done, MapLen: mapLen, MapData: append([]byte(nil), b[8:]...)}, nil
}

// ProxyConn is the opaque handle ProxyConnect returns and every subsequent
// ProxyCall on that connection uses.
type ProxyConn interface {
	Rank() int
	IsSend() bool
}

// ProxyChannel is the external collaborator (§6) that carries the Setup
// and Connect RPCs from the compute side to the proxy thread that owns the
// resources being established. Setup payloads and the Connect request have
// a fixed size per MsgKind; a Connect response carries its map length and
// is checked against it. Sizes are validated on both ends; a size mismatch
// is an InternalError, never a silent truncation.
type ProxyChannel interface {
	// ProxyConnect opens a channel to the proxy owning proxyRank for one
	// specific (channel, local, remote) sub-connection in the given
	// direction; every subsequent ProxyCall on the returned ProxyConn is
	// correlated to that same triple.
	ProxyConnect(send bool, proxyRank, channelID, localRank, remoteRank int) (ProxyConn, error)
	ProxyCall(conn ProxyConn, kind MsgKind, req []byte) (resp []byte, err error)
}

// directProxyConn is the ProxyConn implementation used by DirectChannel: it
// carries the full correlating key alongside the target rank, since the
// RPC runs in-process and HandleConnect needs that key to find the
// pendingConn HandleSetup stored.
type directProxyConn struct {
	rank int
	key  pendingKey
}

func (c *directProxyConn) Rank() int    { return c.rank }
func (c *directProxyConn) IsSend() bool { return c.key.send }

// DirectChannel is the in-process ProxyChannel implementation appropriate
// to this runtime's shape: the proxy is a goroutine in the same process as
// the compute engine (§5), so there is no wire to cross and no bootstrap
// channel needed to reach it. It still marshals every request and response
// through the same fixed-size encoders a real RPC transport would use, so
// the size-validation contract in §4.4/§7 is exercised identically to a
// cross-process deployment.
type DirectChannel struct {
	server *ProxyServer
}

// NewDirectChannel returns a ProxyChannel that dispatches directly to srv.
func NewDirectChannel(srv *ProxyServer) *DirectChannel {
	return &DirectChannel{server: srv}
}

func (c *DirectChannel) ProxyConnect(send bool, proxyRank, channelID, localRank, remoteRank int) (ProxyConn, error) {
	key := pendingKey{channelID: channelID, localRank: localRank, remoteRank: remoteRank, send: send}
	return &directProxyConn{rank: proxyRank, key: key}, nil
}

func (c *DirectChannel) ProxyCall(conn ProxyConn, kind MsgKind, req []byte) ([]byte, error) {
	dc, ok := conn.(*directProxyConn)
	if !ok || dc == nil {
		return nil, internalErrorf(nil, "proxychannel: invalid connection")
	}
	switch kind {
	case MsgSetup:
		sreq, err := decodeSetupReq(req)
		if err != nil {
			return nil, err
		}
		resp, err := c.server.HandleSetup(sreq, dc.key.send)
		if err != nil {
			return nil, err
		}
		return encodeSetupResp(resp), nil
	case MsgConnect:
		creq, err := decodeConnectReq(req)
		if err != nil {
			return nil, err
		}
		resp, err := c.server.HandleConnect(dc.key, creq)
		if err != nil {
			return nil, err
		}
		return encodeConnectResp(resp), nil
	default:
		return nil, internalErrorf(nil, "proxychannel: unknown message kind %v", kind)
	}
}

var _ ProxyChannel = (*DirectChannel)(nil)
