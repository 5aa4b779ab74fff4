package proxyengine

import "encoding/binary"

// LLLineSize is the size in bytes of one LL protocol fifo line: two 8-byte
// data words interleaved with two 8-byte flag words.
const LLLineSize = 32

// LL128LineSize is the size in bytes of one LL128 protocol line: 16 8-byte
// elements, the last of which doubles as that line's flag word.
const LL128LineSize = 128

// LL128DataElems is the number of 8-byte elements per LL128 line.
const LL128DataElems = LL128LineSize / 8

// llFlag is the value every line's flag words must carry for the line at
// the given step to be considered written by the producer.
func llFlag(step int) uint64 { return uint64(step) }

// llLineReady reports whether the LL line at byte offset off within buf
// carries flag1 == flag2 == want in both its flag words.
func llLineReady(buf []byte, off int, want uint64) bool {
	if off+LLLineSize > len(buf) {
		return false
	}
	flag1 := binary.LittleEndian.Uint64(buf[off+8 : off+16])
	flag2 := binary.LittleEndian.Uint64(buf[off+24 : off+32])
	return flag1 == want && flag2 == want
}

// llReady reports whether every LL line covering size bytes of buf carries
// the flag value for step base+transmitted+1, per §4.5 Action B.
func llReady(buf []byte, size int, step int) bool {
	want := llFlag(step)
	nLines := divUp(size, LLLineSize)
	for i := 0; i < nLines; i++ {
		if !llLineReady(buf, i*LLLineSize, want) {
			return false
		}
	}
	return true
}

// ll128LineReady reports whether the LL128 line at byte offset off within
// buf carries its flag element equal to want.
func ll128LineReady(buf []byte, off int, want uint64) bool {
	flagOff := off + (LL128DataElems-1)*8
	if flagOff+8 > len(buf) {
		return false
	}
	return binary.LittleEndian.Uint64(buf[flagOff:flagOff+8]) == want
}

// ll128Ready reports whether every LL128 line covering size bytes of buf
// carries the flag value for step base+transmitted+1. When useGdr is set
// the readiness check is skipped entirely, per §4.5 Action B.
func ll128Ready(buf []byte, size int, step int, useGdr bool) bool {
	if useGdr {
		return true
	}
	want := uint64(step)
	nLines := divUp(size, LL128LineSize)
	for i := 0; i < nLines; i++ {
		if !ll128LineReady(buf, i*LL128LineSize, want) {
			return false
		}
	}
	return true
}

// writeLLLine is a test/compute-side helper that fills one LL fifo line
// with the given data and flag words, mirroring how the compute engine
// marks a slice ready.
func writeLLLine(buf []byte, off int, data1, flag1, data2, flag2 uint64) {
	binary.LittleEndian.PutUint64(buf[off:off+8], data1)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], flag1)
	binary.LittleEndian.PutUint64(buf[off+16:off+24], data2)
	binary.LittleEndian.PutUint64(buf[off+24:off+32], flag2)
}

// writeLL128Line is the LL128 analogue of writeLLLine: it fills every data
// element with fill and the trailing flag element with flag.
func writeLL128Line(buf []byte, off int, fill, flag uint64) {
	for i := 0; i < LL128DataElems-1; i++ {
		binary.LittleEndian.PutUint64(buf[off+i*8:off+i*8+8], fill)
	}
	flagOff := off + (LL128DataElems-1)*8
	binary.LittleEndian.PutUint64(buf[flagOff:flagOff+8], flag)
}
