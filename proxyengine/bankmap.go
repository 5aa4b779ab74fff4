package proxyengine

import (
	"fmt"
	"strings"
)

// Bank names one of the five memory banks a slot's pointer can resolve
// into. GDCBank is addressed only through the dedicated GDR-copy mirror
// slot, never through addSlot/pointer.
type Bank int

const (
	HostBank Bank = iota
	DeviceBank
	SharedHostBank
	SharedDeviceBank
	GDCBank

	numBanks = int(GDCBank) + 1
)

func (b Bank) String() string {
	switch b {
	case HostBank:
		return "host"
	case DeviceBank:
		return "device"
	case SharedHostBank:
		return "shared-host"
	case SharedDeviceBank:
		return "shared-device"
	case GDCBank:
		return "gdc"
	default:
		return "unknown"
	}
}

func bankFor(shared, device bool) Bank {
	switch {
	case shared && device:
		return SharedDeviceBank
	case shared && !device:
		return SharedHostBank
	case !shared && device:
		return DeviceBank
	default:
		return HostBank
	}
}

// Slot word bit layout, §3 of the transport specification:
//
//	bit 31 (USED)   1 if the slot is present
//	bit 30 (SHARED) 1 if the slot aliases the shared pool
//	bit 29 (DEVMEM) 1 if the slot lives in device memory
//	bits 28..0      byte offset within its bank
const (
	slotMaskUsed   uint32 = 1 << 31
	slotMaskShared uint32 = 1 << 30
	slotMaskDevMem uint32 = 1 << 29
	slotMaskOffset uint32 = 0x1fffffff
)

// Slot is the 32-bit encoded descriptor for one named offset within the
// bank map. The zero value is the NULL slot.
type Slot uint32

func (s Slot) used() bool    { return uint32(s)&slotMaskUsed != 0 }
func (s Slot) shared() bool  { return uint32(s)&slotMaskShared != 0 }
func (s Slot) devMem() bool  { return uint32(s)&slotMaskDevMem != 0 }
func (s Slot) offset() int   { return int(uint32(s) & slotMaskOffset) }
func (s Slot) bank() Bank    { return bankFor(s.shared(), s.devMem()) }
func encodeSlot(shared, device bool, offset int) Slot {
	w := slotMaskUsed
	if shared {
		w |= slotMaskShared
	}
	if device {
		w |= slotMaskDevMem
	}
	w |= uint32(offset) & slotMaskOffset
	return Slot(w)
}

// Identity distinguishes how a cross-process bank is attached: a
// filesystem path for shared host memory, or an opaque IPC handle for
// device memory. Exactly one is set for a cross-process bank.
type Identity struct {
	ShmPath   string
	IPCHandle []byte
}

func (id Identity) IsZero() bool {
	return id.ShmPath == "" && len(id.IPCHandle) == 0
}

// MemBank is one record of the bank map's mems[5] array.
type MemBank struct {
	Size     int
	CPU      []byte // nil until the bank is locally mapped or remapped
	Device   uintptr
	Identity Identity
}

// SlotName identifies a named offset field within the bank map.
type SlotName string

const (
	SlotSendMem SlotName = "sendMem"
	SlotRecvMem SlotName = "recvMem"
)

// ProtoSlot names the per-protocol buffer slot, e.g. "buffs[SIMPLE]".
func ProtoSlot(p Protocol) SlotName {
	return SlotName(fmt.Sprintf("buffs[%s]", p))
}

// ConnectMap is the serializable descriptor produced by the proxy side of
// connect and copied verbatim to the compute side (§3, §4.2). No pointer
// embedded in it is valid on the receiving side until that side remaps
// host memory and/or opens IPC handles.
type ConnectMap struct {
	SameProcess bool
	Shared      bool
	DeviceID    int

	mems    [numBanks]MemBank
	offsets map[SlotName]Slot

	gdcMirror uintptr // non-zero once the GDR-copy head mirror is allocated
}

// NewConnectMap returns an empty bank map ready for addSlot calls.
func NewConnectMap(sameProcess, shared bool, deviceID int) *ConnectMap {
	return &ConnectMap{
		SameProcess: sameProcess,
		Shared:      shared,
		DeviceID:    deviceID,
		offsets:     make(map[SlotName]Slot),
	}
}

// Bank returns the bank record for b, for inspection or remapping after
// deserialization.
func (m *ConnectMap) Bank(b Bank) *MemBank {
	return &m.mems[b]
}

// AddSlot appends a named slot. When shared is false the slot is placed at
// the end of its (host or device) bank and the bank's running size grows
// by size. When shared is true the slot aliases the whole externally-owned
// shared-pool bank at offset 0; the bank's size is set by the caller via
// SetSharedBankSize, not by summation.
func (m *ConnectMap) AddSlot(shared, device bool, size int, name SlotName) error {
	if m.offsets[name].used() {
		return internalErrorf(nil, "slot %s already added", name)
	}
	bank := bankFor(shared, device)
	if shared {
		m.offsets[name] = encodeSlot(true, device, 0)
		return nil
	}
	offset := m.mems[bank].Size
	m.mems[bank].Size += size
	m.offsets[name] = encodeSlot(false, device, offset)
	return nil
}

// SetSharedBankSize records the externally-owned shared pool's size for a
// shared bank, since shared banks do not accumulate size via AddSlot.
func (m *ConnectMap) SetSharedBankSize(shared Bank, size int) {
	m.mems[shared].Size = size
}

// Pointer resolves a named slot into a byte slice view of its bank's
// CPU-mapped memory, or nil if the slot is unset or the bank is not yet
// mapped. It only resolves the CPU mapping; device addresses of
// device-resident slots come from DevicePointer.
func (m *ConnectMap) Pointer(name SlotName) []byte {
	slot, ok := m.offsets[name]
	if !ok || !slot.used() {
		return nil
	}
	bank := &m.mems[slot.bank()]
	if bank.CPU == nil {
		return nil
	}
	off := slot.offset()
	if off > len(bank.CPU) {
		return nil
	}
	return bank.CPU[off:]
}

// DevicePointer resolves a named device-resident slot into an opaque
// device address, or 0 if unset.
func (m *ConnectMap) DevicePointer(name SlotName) uintptr {
	slot, ok := m.offsets[name]
	if !ok || !slot.used() {
		return 0
	}
	bank := &m.mems[slot.bank()]
	return bank.Device + uintptr(slot.offset())
}

// DevMem reports the DEVMEM bit for a named slot.
func (m *ConnectMap) DevMem(name SlotName) bool {
	return m.offsets[name].devMem()
}

// Slot exposes the raw encoded slot word, mainly for tests asserting the
// wire layout.
func (m *ConnectMap) Slot(name SlotName) Slot {
	return m.offsets[name]
}

// SetGDCMirror records the device address of the single-uint64 GDR-copy
// head/tail mirror, when GDRCOPY_SYNC_ENABLE selected that path.
func (m *ConnectMap) SetGDCMirror(addr uintptr) { m.gdcMirror = addr }

// GDCMirror returns the GDR-copy mirror address, or 0 if none was allocated.
func (m *ConnectMap) GDCMirror() uintptr { return m.gdcMirror }

// DebugDump renders the bank table and every named offset, mirroring the
// original implementation's debug dump of the same structure. It is
// intended for debug-level structured logging, not a stable wire or API
// format.
func (m *ConnectMap) DebugDump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "connectMap sameProcess=%v shared=%v device=%d\n", m.SameProcess, m.Shared, m.DeviceID)
	for bank := Bank(0); int(bank) < numBanks; bank++ {
		mem := m.mems[bank]
		fmt.Fprintf(&b, "  bank[%s] size=%d identity=%+v\n", bank, mem.Size, mem.Identity)
	}
	for name, slot := range m.offsets {
		fmt.Fprintf(&b, "  slot %-16s used=%v shared=%v devmem=%v bank=%s offset=%d\n",
			name, slot.used(), slot.shared(), slot.devMem(), slot.bank(), slot.offset())
	}
	return b.String()
}
