package proxyengine

import (
	"encoding/binary"

	"github.com/quorumnet/collnet/shm"
)

// Marshal renders m into the wire-compatible byte form exchanged between
// the proxy and compute sides during connect (§4.2's serialization
// contract). No pointer field survives the round trip: CPU and Device are
// dropped, and the receiving side must call Remap before any Pointer or
// DevicePointer call resolves to real memory.
func (m *ConnectMap) Marshal() []byte {
	var buf []byte
	buf = appendUint64(buf, boolU64(m.SameProcess))
	buf = appendUint64(buf, boolU64(m.Shared))
	buf = appendUint64(buf, uint64(int64(m.DeviceID)))
	buf = appendUint64(buf, uint64(m.gdcMirror))

	for b := Bank(0); int(b) < numBanks; b++ {
		mem := m.mems[b]
		buf = appendUint64(buf, uint64(mem.Size))
		buf = appendBytes(buf, []byte(mem.Identity.ShmPath))
		buf = appendBytes(buf, mem.Identity.IPCHandle)
	}

	buf = appendUint64(buf, uint64(len(m.offsets)))
	for name, slot := range m.offsets {
		buf = appendBytes(buf, []byte(name))
		buf = appendUint64(buf, uint64(uint32(slot)))
	}
	return buf
}

// UnmarshalConnectMap parses the byte form Marshal produced. The returned
// map's banks carry Size and Identity only; call Remap to resolve CPU
// pointers for cross-process host banks.
func UnmarshalConnectMap(data []byte) (*ConnectMap, error) {
	r := &wireReader{buf: data}

	sameProcess := r.uint64() != 0
	shared := r.uint64() != 0
	deviceID := int(int64(r.uint64()))
	gdcMirror := uintptr(r.uint64())
	if r.err != nil {
		return nil, internalErrorf(r.err, "connectmap: truncated header")
	}

	m := NewConnectMap(sameProcess, shared, deviceID)
	m.gdcMirror = gdcMirror

	for b := Bank(0); int(b) < numBanks; b++ {
		size := int(r.uint64())
		shmPath := string(r.bytes())
		ipc := r.bytes()
		if r.err != nil {
			return nil, internalErrorf(r.err, "connectmap: truncated bank %s", b)
		}
		m.mems[b].Size = size
		m.mems[b].Identity = Identity{ShmPath: shmPath, IPCHandle: ipc}
	}

	n := int(r.uint64())
	for i := 0; i < n; i++ {
		name := SlotName(r.bytes())
		word := uint32(r.uint64())
		if r.err != nil {
			return nil, internalErrorf(r.err, "connectmap: truncated offset %d", i)
		}
		m.offsets[name] = Slot(word)
	}
	if r.err != nil {
		return nil, internalErrorf(r.err, "connectmap: truncated offsets")
	}
	return m, nil
}

// DeviceOpener resolves a cross-process device bank's IPC handle into a
// locally usable device address. It is the hook through which the
// out-of-scope compute engine's CUDA (or equivalent) runtime participates
// in Remap; proxyengine never calls into a device runtime directly.
type DeviceOpener interface {
	OpenIPC(handle []byte) (uintptr, error)
}

// Remap resolves every cross-process bank's pointer: host banks are
// attached via shm.Open using Identity.ShmPath, device banks via opener
// using Identity.IPCHandle. Same-process banks need no remapping; their
// CPU/Device fields are expected to have been copied directly by the
// caller before Marshal ever ran (the wire form never carries them).
// opener may be nil when no device banks are present.
func (m *ConnectMap) Remap(opener DeviceOpener) ([]*shm.Region, error) {
	var opened []*shm.Region
	for b := Bank(0); int(b) < numBanks; b++ {
		mem := &m.mems[b]
		switch {
		case mem.Identity.ShmPath != "":
			region, err := shm.Open(mem.Identity.ShmPath)
			if err != nil {
				return opened, systemErrorf("connectmap.remap", err)
			}
			mem.CPU = region.Mem
			opened = append(opened, region)
		case len(mem.Identity.IPCHandle) > 0:
			if opener == nil {
				return opened, internalErrorf(nil, "connectmap: remap of device bank %s needs a DeviceOpener", b)
			}
			addr, err := opener.OpenIPC(mem.Identity.IPCHandle)
			if err != nil {
				return opened, systemErrorf("connectmap.remap.ipc", err)
			}
			mem.Device = addr
		}
	}
	return opened, nil
}

func boolU64(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint64(buf, uint64(len(v)))
	return append(buf, v...)
}

// wireReader sequentially decodes the fields Marshal wrote, sticking on
// the first error so callers can check it once at the end instead of after
// every field.
type wireReader struct {
	buf []byte
	err error
}

func (r *wireReader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 8 {
		r.err = internalErrorf(nil, "connectmap: short read")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[:8])
	r.buf = r.buf[8:]
	return v
}

func (r *wireReader) bytes() []byte {
	n := int(r.uint64())
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = internalErrorf(nil, "connectmap: short read")
		return nil
	}
	v := r.buf[:n]
	r.buf = r.buf[n:]
	if n == 0 {
		return nil
	}
	return append([]byte(nil), v...)
}
