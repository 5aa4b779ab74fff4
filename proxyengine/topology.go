package proxyengine

// Topology is the external collaborator (§6) that answers placement
// questions the handshake needs but the proxy engine itself never decides:
// which NIC and proxy rank serve a (channel, peer) pair, whether GDR
// staging is permitted, and whether a completed write needs an explicit
// flush before it is visible to the CPU.
type Topology interface {
	// GetNetDev resolves the network device and proxy rank that should
	// carry traffic between me and peer on the given channel. proxyRank
	// differs from the caller's own rank only when PXN indirection routes
	// the send side through another rank's NIC; RecvSetup requires
	// proxyRank == me since receive-side PXN is not supported.
	GetNetDev(me, channel, peer int) (netDev, proxyRank int, err error)
	// CheckGdr reports whether the device at busID may stage directly into
	// device memory for writes (isWrite) or reads over netDev.
	CheckGdr(busID string, netDev int, isWrite bool) (bool, error)
	// NeedFlush reports whether a GDR write into the device behind busID
	// requires an explicit flush before the CPU may observe it.
	NeedFlush(busID string) (bool, error)
	// CheckNet reports whether the devices behind the two bus IDs share a
	// network path suitable for the connection being established.
	CheckNet(busID1, busID2 string) (bool, error)
	// GetLocalRank resolves rank's index among ranks sharing this host.
	GetLocalRank(rank int) (int, error)
}

// StaticTopology is a fixed-answer Topology for tests and for single-NIC
// deployments where every rank uses the same device and no PXN redirection
// is in play.
type StaticTopology struct {
	NetDev    int
	GdrOK     bool
	FlushNeed bool
	NetOK     bool
	LocalRank func(rank int) int
}

func (t StaticTopology) GetNetDev(me, channel, peer int) (int, int, error) {
	return t.NetDev, me, nil
}

func (t StaticTopology) CheckGdr(busID string, netDev int, isWrite bool) (bool, error) {
	return t.GdrOK, nil
}

func (t StaticTopology) NeedFlush(busID string) (bool, error) {
	return t.FlushNeed, nil
}

func (t StaticTopology) CheckNet(busID1, busID2 string) (bool, error) {
	return t.NetOK, nil
}

func (t StaticTopology) GetLocalRank(rank int) (int, error) {
	if t.LocalRank != nil {
		return t.LocalRank(rank), nil
	}
	return rank, nil
}

var _ Topology = StaticTopology{}
