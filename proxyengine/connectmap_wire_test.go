package proxyengine

import (
	"bytes"
	"testing"
)

func TestConnectMapMarshalRoundTripSameProcess(t *testing.T) {
	m := NewConnectMap(true, false, 3)
	if err := m.AddSlot(false, false, 64, SlotSendMem); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	if err := m.AddSlot(false, false, 128, ProtoSlot(ProtocolLL)); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	m.SetGDCMirror(0xdeadbeef)

	out, err := UnmarshalConnectMap(m.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalConnectMap: %v", err)
	}
	if out.SameProcess != m.SameProcess || out.Shared != m.Shared || out.DeviceID != m.DeviceID {
		t.Fatalf("header mismatch: got %+v", out)
	}
	if out.GDCMirror() != m.GDCMirror() {
		t.Fatalf("gdcMirror mismatch: got %#x want %#x", out.GDCMirror(), m.GDCMirror())
	}
	if out.Bank(HostBank).Size != m.Bank(HostBank).Size {
		t.Fatalf("host bank size mismatch: got %d want %d", out.Bank(HostBank).Size, m.Bank(HostBank).Size)
	}
	if out.Slot(SlotSendMem) != m.Slot(SlotSendMem) {
		t.Fatalf("sendMem slot mismatch: got %v want %v", out.Slot(SlotSendMem), m.Slot(SlotSendMem))
	}
	if out.Slot(ProtoSlot(ProtocolLL)) != m.Slot(ProtoSlot(ProtocolLL)) {
		t.Fatalf("buffs[LL] slot mismatch")
	}
}

func TestConnectMapRemapCrossProcessHost(t *testing.T) {
	dir := t.TempDir()
	m := NewConnectMap(false, false, 0)
	if err := m.AddSlot(false, false, 32, SlotSendMem); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}

	region, err := createShmBacking(dir, m.Bank(HostBank).Size)
	if err != nil {
		t.Fatalf("createShmBacking: %v", err)
	}
	defer region.Unlink()
	m.Bank(HostBank).CPU = region.Mem
	m.Bank(HostBank).Identity.ShmPath = region.Path
	copy(m.Pointer(SlotSendMem), []byte("hello"))

	wire := m.Marshal()
	peer, err := UnmarshalConnectMap(wire)
	if err != nil {
		t.Fatalf("UnmarshalConnectMap: %v", err)
	}
	if peer.Pointer(SlotSendMem) != nil {
		t.Fatalf("expected nil Pointer before Remap")
	}

	opened, err := peer.Remap(nil)
	if err != nil {
		t.Fatalf("Remap: %v", err)
	}
	defer func() {
		for _, r := range opened {
			r.Close()
		}
	}()

	got := peer.Pointer(SlotSendMem)[:5]
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Remap did not attach the same shm segment: got %q", got)
	}
}

type fakeOpener struct {
	seen []byte
	addr uintptr
}

func (f *fakeOpener) OpenIPC(handle []byte) (uintptr, error) {
	f.seen = handle
	return f.addr, nil
}

func TestConnectMapRemapDeviceBankUsesOpener(t *testing.T) {
	m := NewConnectMap(false, false, 0)
	if err := m.AddSlot(false, true, 64, ProtoSlot(ProtocolSimple)); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	m.Bank(DeviceBank).Identity.IPCHandle = []byte{1, 2, 3, 4}

	peer, err := UnmarshalConnectMap(m.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalConnectMap: %v", err)
	}

	opener := &fakeOpener{addr: 0x1000}
	if _, err := peer.Remap(opener); err != nil {
		t.Fatalf("Remap: %v", err)
	}
	if !bytes.Equal(opener.seen, []byte{1, 2, 3, 4}) {
		t.Fatalf("opener did not receive the IPC handle: got %v", opener.seen)
	}
	if peer.DevicePointer(ProtoSlot(ProtocolSimple)) != 0x1000 {
		t.Fatalf("DevicePointer did not resolve through the opener's address")
	}
}

func TestConnectMapRemapDeviceBankWithoutOpenerFails(t *testing.T) {
	m := NewConnectMap(false, false, 0)
	if err := m.AddSlot(false, true, 64, ProtoSlot(ProtocolSimple)); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	m.Bank(DeviceBank).Identity.IPCHandle = []byte{9}
	peer, err := UnmarshalConnectMap(m.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalConnectMap: %v", err)
	}
	if _, err := peer.Remap(nil); err == nil {
		t.Fatalf("expected error remapping a device bank with no DeviceOpener")
	}
}

func TestUnmarshalConnectMapRejectsTruncatedData(t *testing.T) {
	m := NewConnectMap(true, false, 0)
	if err := m.AddSlot(false, false, 32, SlotSendMem); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	wire := m.Marshal()
	if _, err := UnmarshalConnectMap(wire[:len(wire)-4]); err == nil {
		t.Fatalf("expected error unmarshaling truncated data")
	}
}
