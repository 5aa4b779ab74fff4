package proxyengine

import (
	"os"
	"strconv"
)

// Config collects the environment-driven parameters from §6, plus the two
// ring-depth constants as fields set from NCCLSteps/NCCLSharedSteps. The
// progress and handshake code use the package constants and never read
// these two fields, so changing them does not change any ring depth.
type Config struct {
	// NetSharedBuffers selects shared-pool mode: -2 means "shared when the
	// caller has no execution graph", 0 forces per-channel buffers, 1
	// forces the shared pool.
	NetSharedBuffers int
	// NetSharedComms allows multiplexing multiple peers onto one fabric
	// send/recv comm when the plugin reports maxRecvs > 1.
	NetSharedComms bool
	// GDRCopySyncEnable locates the head/tail word in a device-memory
	// mirror accessed via GDR-copy instead of host memory.
	GDRCopySyncEnable bool
	// GDRCopyFlushEnable flushes with an inline PCIe read instead of the
	// fabric plugin's iflush.
	GDRCopyFlushEnable bool

	NCCLSteps       int
	NCCLSharedSteps int
}

// DefaultConfig returns the documented defaults: NetSharedBuffers=-2,
// NetSharedComms=true, GDRCopySyncEnable=true, GDRCopyFlushEnable=false.
func DefaultConfig() Config {
	return Config{
		NetSharedBuffers:   -2,
		NetSharedComms:     true,
		GDRCopySyncEnable:  true,
		GDRCopyFlushEnable: false,
		NCCLSteps:          NCCLSteps,
		NCCLSharedSteps:    NCCLSharedSteps,
	}
}

// ConfigFromEnv applies NET_SHARED_BUFFERS, NET_SHARED_COMMS,
// GDRCOPY_SYNC_ENABLE, and GDRCOPY_FLUSH_ENABLE on top of DefaultConfig.
// A malformed or absent variable keeps the default for that field.
func ConfigFromEnv() Config {
	c := DefaultConfig()
	if v, ok := envInt("NET_SHARED_BUFFERS"); ok {
		c.NetSharedBuffers = v
	}
	if v, ok := envBool("NET_SHARED_COMMS"); ok {
		c.NetSharedComms = v
	}
	if v, ok := envBool("GDRCOPY_SYNC_ENABLE"); ok {
		c.GDRCopySyncEnable = v
	}
	if v, ok := envBool("GDRCOPY_FLUSH_ENABLE"); ok {
		c.GDRCopyFlushEnable = v
	}
	return c
}

func envInt(name string) (int, bool) {
	raw, present := os.LookupEnv(name)
	if !present {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(name string) (bool, bool) {
	v, ok := envInt(name)
	if !ok {
		return false, false
	}
	return v != 0, true
}

// ShouldUseShared resolves NetSharedBuffers into an effective shared-mode
// decision given whether the caller supplied an execution graph.
func (c Config) ShouldUseShared(hasGraph bool) bool {
	switch c.NetSharedBuffers {
	case -2:
		return !hasGraph
	default:
		return c.NetSharedBuffers != 0
	}
}
