// Package fabric adapts the vendored libfabric bindings into the narrow,
// non-blocking interface the proxy engine expects from a network transport
// plugin: listen/connect/accept, memory registration, and posted
// send/receive/flush operations tested for completion by polling.
package fabric

import "errors"

// MemKind distinguishes the memory domain a registration lives in. The
// fabric plugin treats host and device registrations identically except
// for the DMA-BUF path, which only applies to device memory.
type MemKind int

const (
	MemKindHost MemKind = iota
	MemKindDevice
)

// Properties describes what a network device supports, queried once per
// device at setup time.
type Properties struct {
	PtrSupportHost   bool
	PtrSupportCuda   bool
	PtrSupportDmaBuf bool
	MaxRecvs         int
}

// MemoryHandle is an opaque provider-specific memory registration handle
// passed back into Send/Recv/Flush calls.
type MemoryHandle interface{}

// ListenComm is an opaque listening communicator returned by Listen.
type ListenComm interface{}

// SendComm is an opaque communicator usable with ISend.
type SendComm interface{}

// RecvComm is an opaque communicator usable with IRecv and IFlush.
type RecvComm interface{}

// Request tracks a posted, non-blocking operation until Test reports it done.
type Request interface{}

// ErrNotReady names the "handshake not complete yet" condition. Neither
// FiProvider nor MockProvider returns it: their Accept reports a connection
// that has not arrived yet as a nil communicator with a nil error,
// mirroring a null communicator in the original protocol.
var ErrNotReady = errors.New("fabric: operation not ready")

// Provider is the external fabric plugin interface consumed by the proxy
// engine (§6 of the transport specification this package implements).
// Every method must be safe to call from the single cooperative progress
// loop and must never block.
type Provider interface {
	GetProperties(dev int) (Properties, error)

	Listen(dev int) (handle []byte, lc ListenComm, err error)
	Connect(dev int, handle []byte) (SendComm, error)
	Accept(lc ListenComm) (RecvComm, error)

	RegMr(comm any, buf []byte, kind MemKind) (MemoryHandle, error)
	RegMrDmaBuf(comm any, buf []byte, kind MemKind, offset uint64, fd int) (MemoryHandle, error)
	DeregMr(comm any, mh MemoryHandle) error

	ISend(comm SendComm, buf []byte, tag uint64, mh MemoryHandle) (Request, error)
	IRecv(comm RecvComm, bufs [][]byte, tags []uint64, mhs []MemoryHandle) (Request, error)
	IFlush(comm RecvComm, bufs [][]byte, mhs []MemoryHandle) (Request, error)
	Test(req Request) (done bool, sizes []int, err error)

	CloseSend(comm SendComm) error
	CloseRecv(comm RecvComm) error
	CloseListen(lc ListenComm) error
}
