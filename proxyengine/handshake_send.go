package proxyengine

import (
	"github.com/quorumnet/collnet/fabric"
	"github.com/quorumnet/collnet/shm"
)

func createShmBacking(dir string, size int) (*shm.Region, error) {
	name := shm.NewSegmentName("connmap")
	region, err := shm.Create(dir, name, size)
	if err != nil {
		return nil, systemErrorf("connectmap.alloc", err)
	}
	return region, nil
}

// SendSetup is the compute-side half of connection establishment for a
// send sub (§4.4). It asks Topology for placement, opens a proxy channel
// to the resolved proxy rank, and issues the Setup RPC. The returned
// ProxyConn must be reused for the matching SendConnect call.
func SendSetup(topo Topology, pc ProxyChannel, me, channelID, remoteRank int, graphExists, useGdrHint bool, cfg Config, busID string) (ProxyConn, SetupResp, error) {
	netDev, proxyRank, err := topo.GetNetDev(me, channelID, remoteRank)
	if err != nil {
		return nil, SetupResp{}, err
	}
	localRank, err := topo.GetLocalRank(me)
	if err != nil {
		return nil, SetupResp{}, err
	}
	useGdr := useGdrHint
	if useGdr {
		useGdr, err = topo.CheckGdr(busID, netDev, true)
		if err != nil {
			return nil, SetupResp{}, err
		}
	}
	shared := cfg.ShouldUseShared(graphExists)

	conn, err := pc.ProxyConnect(true, proxyRank, channelID, localRank, remoteRank)
	if err != nil {
		return nil, SetupResp{}, err
	}

	req := SetupReq{
		Rank: int32(me), LocalRank: int32(localRank), RemoteRank: int32(remoteRank),
		Shared: boolInt32(shared), NetDev: int32(netDev), UseGdr: boolInt32(useGdr),
		ChannelID: int32(channelID), ConnIndex: 0, SameProcess: boolInt32(proxyRank == me),
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

// SendConnect is the compute-side half that forwards the peer's fabric
// handle (obtained over the out-of-scope bootstrap channel) in one Connect
// RPC. It returns done=false when the proxy reports the connection not
// ready yet, and the caller re-drives it, per §5's "accept/connect
// returning null is re-driven" suspension point.
func SendConnect(pc ProxyChannel, conn ProxyConn, peerHandle []byte) (*ConnectMap, bool, error) {
	req, err := newConnectReq(peerHandle)
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

// sendProxyConnect is the proxy-side half (§4.4 step 4): it dials (or
// reuses a shared) fabric send communicator, builds the bank map, and
// allocates and registers every buffer the connection needs.
func (s *ProxyServer) sendProxyConnect(key pendingKey, pc *pendingConn, req ConnectReq) (ConnectResp, error) {
	peerHandle := req.handle()

	var comm fabric.SendComm
	var err error
	shared := pc.shared

	dial := func() (fabric.SendComm, error) {
		return s.Provider.Connect(pc.netDev, peerHandle)
	}

	if shared && pc.maxRecvs > 1 && s.Config.NetSharedComms {
		ck := commKey{netDev: pc.netDev, peerRank: key.remoteRank, channelID: key.channelID}
		comm, err = s.State.AcquireSendComm(ck, dial)
		pc.commKeyVal = ck
		pc.commShared = true
	} else {
		comm, err = dial()
	}
	if err != nil {
		return ConnectResp{}, netErrorf("connect", err)
	}
	if comm == nil {
		return ConnectResp{Done: 0}, nil
	}

	res := &SendResources{
		Comm:      comm,
		Peer:      PeerIdentity{LocalRank: key.localRank, RemoteRank: key.remoteRank, ProxyRank: s.Rank},
		Channel:   key.channelID,
		Shared:    shared,
		SameProc:  pc.sameProcess,
		UseGdr:    pc.useGdr,
		UseDmaBuf: pc.useDmaBuf,
		MaxRecvs:  pc.maxRecvs,
		ChunkSize: s.ChunkSize,
	}

	m := NewConnectMap(pc.sameProcess, shared, s.DeviceID)
	res.Map = m
	if err := s.buildSendBankMap(m, res, pc, key); err != nil {
		return ConnectResp{}, err
	}

	res.SendMemory = NewSendMem(shared)
	res.RecvMemory = NewRecvMem()

	pc.sendRes = res
	s.mu.Lock()
	s.pending[key] = pc
	s.mu.Unlock()

	s.logger().Debugf("proxyengine: send connected channel=%d remote=%d shared=%v", key.channelID, key.remoteRank, shared)
	mapBytes := m.Marshal()
	return ConnectResp{Done: 1, MapData: mapBytes, MapLen: int32(len(mapBytes))}, nil
}

// buildSendBankMap adds every slot a send connection needs and backs the
// non-shared banks with real memory, per §4.4 step 4's allocate-then-
// register sequence.
func (s *ProxyServer) buildSendBankMap(m *ConnectMap, res *SendResources, pc *pendingConn, key pendingKey) error {
	for p := Protocol(0); int(p) < numProtocols; p++ {
		if res.Shared && p == ProtocolSimple {
			if err := m.AddSlot(true, false, 0, ProtoSlot(p)); err != nil {
				return err
			}
			continue
		}
		size := NCCLSteps * DefaultStepSize(p)
		if err := m.AddSlot(false, false, size, ProtoSlot(p)); err != nil {
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

	for p := Protocol(0); int(p) < numProtocols; p++ {
		if res.Shared && p == ProtocolSimple {
			buf, err := s.State.Pool.Acquire(key.remoteRank, sharedSendDir, SharedPoolSize(s.NChannels, res.ChunkSize))
			if err != nil {
				return err
			}
			res.SharedBuf = buf.CPU
			continue
		}
		res.Protos[p].Buf = m.Pointer(ProtoSlot(p))[:NCCLSteps*DefaultStepSize(p)]
		mh, err := s.regMr(res.Comm, res.Protos[p].Buf, res.UseDmaBuf)
		if err != nil {
			return err
		}
		res.Protos[p].MR = mh
	}
	return nil
}

// regMr registers buf with the fabric provider, preferring the DMA-BUF
// path when useDmaBuf was negotiated in Setup (§4.4). No real CUDA/DMA-BUF
// runtime is wired into this proxy engine, so the fd is a placeholder; the
// call still exercises the same size-validated registration/deregistration
// contract a real GPU-resident buffer would go through.
func (s *ProxyServer) regMr(comm any, buf []byte, useDmaBuf bool) (fabric.MemoryHandle, error) {
	if useDmaBuf {
		mh, err := s.Provider.RegMrDmaBuf(comm, buf, fabric.MemKindDevice, 0, -1)
		if err != nil {
			return nil, netErrorf("regMrDmaBuf", err)
		}
		return mh, nil
	}
	mh, err := s.Provider.RegMr(comm, buf, fabric.MemKindHost)
	if err != nil {
		return nil, netErrorf("regMr", err)
	}
	return mh, nil
}

// allocateBank allocates and attaches the backing store for bank once all
// of its slots have been added, sizing it to the bank's accumulated size
// (invariant 1, §3).
func (s *ProxyServer) allocateBank(m *ConnectMap, bank Bank, pc *pendingConn) error {
	mem := m.Bank(bank)
	if mem.Size == 0 {
		return nil
	}
	if pc.sameProcess {
		mem.CPU = make([]byte, mem.Size)
		return nil
	}
	if bank == HostBank {
		region, err := createShmBacking(s.ShmDir, mem.Size)
		if err != nil {
			return err
		}
		mem.CPU = region.Mem
		mem.Identity.ShmPath = region.Path
		pc.hostRegion = region
		return nil
	}
	// Cross-process device bank: no real CUDA/IPC runtime is wired into
	// this proxy engine, so the handle is a synthetic token the peer must
	// resolve via a DeviceOpener it supplies to Remap.
	mem.Identity.IPCHandle = randomIPCHandle()
	return nil
}
