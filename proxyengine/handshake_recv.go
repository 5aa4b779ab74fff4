package proxyengine

import (
	"github.com/quorumnet/collnet/fabric"
)

// RecvSetup is the compute-side half of connection establishment for a
// recv sub (§4.4), symmetric to SendSetup.
func RecvSetup(topo Topology, pc ProxyChannel, me, channelID, remoteRank int, graphExists, useGdrHint bool, cfg Config, busID string) (ProxyConn, SetupResp, error) {
	netDev, proxyRank, err := topo.GetNetDev(me, channelID, remoteRank)
	if err != nil {
		return nil, SetupResp{}, err
	}
	if proxyRank != me {
		return nil, SetupResp{}, internalErrorf(nil, "recvSetup: PXN is not supported on the recv side")
	}
	localRank, err := topo.GetLocalRank(me)
	if err != nil {
		return nil, SetupResp{}, err
	}
	useGdr := useGdrHint
	if useGdr {
		useGdr, err = topo.CheckGdr(busID, netDev, false)
		if err != nil {
			return nil, SetupResp{}, err
		}
	}
	shared := cfg.ShouldUseShared(graphExists)

	conn, err := pc.ProxyConnect(false, proxyRank, channelID, localRank, remoteRank)
	if err != nil {
		return nil, SetupResp{}, err
	}

	req := SetupReq{
		Rank: int32(me), LocalRank: int32(localRank), RemoteRank: int32(remoteRank),
		Shared: boolInt32(shared), NetDev: int32(netDev), UseGdr: boolInt32(useGdr),
		ChannelID: int32(channelID), ConnIndex: 0, SameProcess: 1,
	}
	respBytes, err := pc.ProxyCall(conn, MsgSetup, encodeSetupReq(req))
	if err != nil {
		return nil, SetupResp{}, err
	}
	resp, err := decodeSetupResp(respBytes)
	if err != nil {
		return nil, SetupResp{}, err
	}
	return conn, resp, nil
}

// RecvConnect is the compute-side half of the recv path: it has no handle
// of its own to forward (the proxy already opened the listener in
// RecvSetup), so it issues one Connect RPC and returns done=false while the
// proxy's accept has not completed; the caller re-drives it.
func RecvConnect(pc ProxyChannel, conn ProxyConn) (*ConnectMap, bool, error) {
	req, err := newConnectReq(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := encodeConnectReq(req)
	if err != nil {
		return nil, false, err
	}
	respBytes, err := pc.ProxyCall(conn, MsgConnect, raw)
	if err != nil {
		return nil, false, err
	}
	resp, err := decodeConnectResp(respBytes)
	if err != nil {
		return nil, false, err
	}
	if resp.Done == 0 {
		return nil, false, nil
	}
	m, err := UnmarshalConnectMap(resp.MapData)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// recvProxyConnect is the proxy-side half (§4.4, recv side): it accepts
// the pending connection request (possibly reusing a shared recv comm)
// and closes the listen communicator once accepted.
func (s *ProxyServer) recvProxyConnect(key pendingKey, pc *pendingConn) (ConnectResp, error) {
	var comm fabric.RecvComm
	var err error
	shared := pc.shared

	accept := func() (fabric.RecvComm, error) {
		return s.Provider.Accept(pc.listenComm)
	}

	if shared && pc.maxRecvs > 1 && s.Config.NetSharedComms {
		ck := commKey{netDev: pc.netDev, peerRank: key.remoteRank, channelID: key.channelID}
		comm, err = s.State.AcquireRecvComm(ck, accept)
		pc.commKeyVal = ck
		pc.commShared = true
	} else {
		comm, err = accept()
	}
	if err != nil {
		return ConnectResp{}, netErrorf("accept", err)
	}
	if comm == nil {
		return ConnectResp{Done: 0}, nil
	}
	if err := s.Provider.CloseListen(pc.listenComm); err != nil {
		s.logger().Warnf("proxyengine: close listen comm: %v", err)
	}

	res := &RecvResources{
		Comm:      comm,
		Peer:      PeerIdentity{LocalRank: key.localRank, RemoteRank: key.remoteRank, ProxyRank: s.Rank},
		Channel:   key.channelID,
		Shared:    shared,
		SameProc:  pc.sameProcess,
		UseGdr:    pc.useGdr,
		NeedFlush: pc.useGdr,
		MaxRecvs:  pc.maxRecvs,
		ChunkSize: s.ChunkSize,
	}

	m := NewConnectMap(pc.sameProcess, shared, s.DeviceID)
	res.Map = m
	if err := s.buildRecvBankMap(m, res, pc, key); err != nil {
		return ConnectResp{}, err
	}

	res.SendMemory = NewSendMem(shared)
	res.RecvMemory = NewRecvMem()

	pc.recvRes = res
	s.mu.Lock()
	s.pending[key] = pc
	s.mu.Unlock()

	s.logger().Debugf("proxyengine: recv connected channel=%d remote=%d shared=%v", key.channelID, key.remoteRank, shared)
	mapBytes := m.Marshal()
	return ConnectResp{Done: 1, MapData: mapBytes, MapLen: int32(len(mapBytes))}, nil
}

// buildRecvBankMap mirrors buildSendBankMap; recv buffers are placed in
// the device bank when UseGdr selected that staging mode, per the
// DMA-BUF/GDR capability negotiation carried from RecvSetup.
func (s *ProxyServer) buildRecvBankMap(m *ConnectMap, res *RecvResources, pc *pendingConn, key pendingKey) error {
	onDevice := res.UseGdr
	for p := Protocol(0); int(p) < numProtocols; p++ {
		if res.Shared && p == ProtocolSimple {
			if err := m.AddSlot(true, onDevice, 0, ProtoSlot(p)); err != nil {
				return err
			}
			continue
		}
		size := NCCLSteps * DefaultStepSize(p)
		if err := m.AddSlot(false, onDevice, size, ProtoSlot(p)); err != nil {
			return err
		}
	}
	if err := m.AddSlot(false, false, sendMemWireSize(), SlotSendMem); err != nil {
		return err
	}
	if err := m.AddSlot(false, false, recvMemWireSize(), SlotRecvMem); err != nil {
		return err
	}

	if err := s.allocateBank(m, HostBank, pc); err != nil {
		return err
	}
	if onDevice {
		if err := s.allocateBank(m, DeviceBank, pc); err != nil {
			return err
		}
	}

	for p := Protocol(0); int(p) < numProtocols; p++ {
		if res.Shared && p == ProtocolSimple {
			buf, err := s.State.Pool.Acquire(key.remoteRank, sharedRecvDir, SharedPoolSize(s.NChannels, res.ChunkSize))
			if err != nil {
				return err
			}
			res.SharedBuf = buf.CPU
			continue
		}
		bank := HostBank
		if onDevice {
			bank = DeviceBank
		}
		mem := m.Bank(bank)
		if mem.CPU == nil {
			return internalErrorf(nil, "recvProxyConnect: device bank not backed by host-visible memory in this runtime")
		}
		res.Protos[p].Buf = m.Pointer(ProtoSlot(p))[:NCCLSteps*DefaultStepSize(p)]
		mh, err := s.regMr(res.Comm, res.Protos[p].Buf, pc.useDmaBuf && onDevice)
		if err != nil {
			return err
		}
		res.Protos[p].MR = mh
	}
	return nil
}
