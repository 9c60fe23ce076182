// Package rstime supplies the monotonic timestamps used across packets,
// timeouts, and latency accounting. Readings are the Unix time taken at
// process start plus the elapsed time on Go's monotonic clock, so they
// never step backwards when the wall clock is adjusted and no platform
// clock_gettime shim is needed.
package rstime

import "time"

// epoch is the process-start reading every timestamp is offset from.
var epoch = time.Now()

// NowMS returns the current time as milliseconds since the Unix epoch,
// advanced monotonically from the process-start reading.
func NowMS() int64 {
	return epoch.UnixMilli() + time.Since(epoch).Milliseconds()
}

// NowUS returns the current time as microseconds since the Unix epoch,
// advanced monotonically from the process-start reading.
func NowUS() int64 {
	return epoch.UnixMicro() + time.Since(epoch).Microseconds()
}

// WireTimestamp32 returns the low 32 bits of NowMS, matching the packet
// header's 32-bit sender timestamp field.
func WireTimestamp32() uint32 {
	return uint32(NowMS())
}

// SinceUS returns elapsed time in microseconds from a NowUS() reading.
func SinceUS(startUS int64) int64 {
	return NowUS() - startUS
}

// SinceMS returns elapsed time in milliseconds from a NowMS() reading.
func SinceMS(startMS int64) int64 {
	return NowMS() - startMS
}
