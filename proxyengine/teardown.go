package proxyengine

// teardown implements §4.7: every registration is deregistered, every
// staging region unmapped, and every shared resource released, in that
// order, with every step attempted even after an earlier one fails so a
// partially torn-down connection never leaks the resources that follow the
// first error. The first error encountered is returned to the caller; the
// rest are logged.

// SendTeardown releases everything (s *ProxyServer).sendProxyConnect
// allocated for key: the protocol memory registrations, the host/device
// staging banks, the shared pool entry (if shared), and the fabric send
// communicator itself (or its refcount, if shared across connections).
func (s *ProxyServer) SendTeardown(key pendingKey) error {
	s.mu.Lock()
	pc, ok := s.pending[key]
	s.mu.Unlock()
	if !ok || pc.sendRes == nil {
		return internalErrorf(nil, "sendTeardown: no connection for %+v", key)
	}
	res := pc.sendRes
	var first error
	record := func(err error) {
		if err == nil {
			return
		}
		if first == nil {
			first = err
		}
		s.logger().Warnf("proxyengine: send teardown channel=%d remote=%d: %v", key.channelID, key.remoteRank, err)
	}

	for p := Protocol(0); int(p) < numProtocols; p++ {
		if res.Shared && p == ProtocolSimple {
			continue
		}
		if res.Protos[p].MR == nil {
			continue
		}
		record(s.Provider.DeregMr(res.Comm, res.Protos[p].MR))
		res.Protos[p].MR = nil
	}

	if !res.SameProc {
		record(s.freeMemBank(pc, HostBank))
		if res.UseDmaBuf {
			record(s.freeMemBank(pc, DeviceBank))
		}
	}

	if res.Shared {
		record(s.State.Pool.Release(key.remoteRank, sharedSendDir))
	}

	if pc.commShared {
		record(s.State.ReleaseSendComm(pc.commKeyVal, s.Provider.CloseSend))
	} else {
		record(s.Provider.CloseSend(res.Comm))
	}

	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	s.logger().Debugf("proxyengine: send teardown complete channel=%d remote=%d", key.channelID, key.remoteRank)
	return first
}

// RecvTeardown is the recv-side analogue of SendTeardown.
func (s *ProxyServer) RecvTeardown(key pendingKey) error {
	s.mu.Lock()
	pc, ok := s.pending[key]
	s.mu.Unlock()
	if !ok || pc.recvRes == nil {
		return internalErrorf(nil, "recvTeardown: no connection for %+v", key)
	}
	res := pc.recvRes
	var first error
	record := func(err error) {
		if err == nil {
			return
		}
		if first == nil {
			first = err
		}
		s.logger().Warnf("proxyengine: recv teardown channel=%d remote=%d: %v", key.channelID, key.remoteRank, err)
	}

	for p := Protocol(0); int(p) < numProtocols; p++ {
		if res.Shared && p == ProtocolSimple {
			continue
		}
		if res.Protos[p].MR == nil {
			continue
		}
		record(s.Provider.DeregMr(res.Comm, res.Protos[p].MR))
		res.Protos[p].MR = nil
	}

	if !res.SameProc {
		record(s.freeMemBank(pc, HostBank))
		if res.UseGdr {
			record(s.freeMemBank(pc, DeviceBank))
		}
	}

	if res.Shared {
		record(s.State.Pool.Release(key.remoteRank, sharedRecvDir))
	}

	if pc.commShared {
		record(s.State.ReleaseRecvComm(pc.commKeyVal, s.Provider.CloseRecv))
	} else {
		record(s.Provider.CloseRecv(res.Comm))
	}

	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	s.logger().Debugf("proxyengine: recv teardown complete channel=%d remote=%d", key.channelID, key.remoteRank)
	return first
}

// freeMemBank releases a cross-process bank's backing store: the host bank
// unmaps and unlinks its shm segment, the device bank has nothing local to
// release since its Identity.IPCHandle is a synthetic token the peer
// resolved through DeviceOpener rather than a segment this process opened.
func (s *ProxyServer) freeMemBank(pc *pendingConn, bank Bank) error {
	if bank != HostBank || pc.hostRegion == nil {
		return nil
	}
	region := pc.hostRegion
	pc.hostRegion = nil
	if err := region.Close(); err != nil {
		return systemErrorf("connectmap.close", err)
	}
	return region.Unlink()
}
