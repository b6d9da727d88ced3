// Package bl0942 frames and decodes the telemetry stream of the BL0942
// single-phase energy metering chip.
//
// The chip answers each poll command (PollCommand) with a fixed 23 byte
// frame on its UART:
//
//	byte  0      header, always 0x55
//	bytes 1-3    I_RMS       (24 bit, little endian, signed)
//	bytes 4-6    V_RMS       (24 bit, little endian, unsigned)
//	bytes 7-9    I_FAST_RMS
//	bytes 10-12  WATT        (24 bit, little endian, signed)
//	bytes 13-15  CF_CNT
//	bytes 16-18  FREQ
//	bytes 19-21  STATUS
//	byte  22     checksum, ^(0x58 + sum of bytes 0-21)
//
// A Synchronizer turns an arbitrarily chunked byte stream into candidate
// frames and a Decoder validates them and publishes the scaled quantities
// to a set of Sinks. Neither type locks; callers must not drain a
// Synchronizer from more than one goroutine at a time.
package bl0942
