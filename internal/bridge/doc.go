// Package bridge moves bytes between an LC29H session and the outside world.
//
// Module output is drained on a fixed interval and copied, unparsed, to every
// configured sink (UDP, serial, stdout). Commands (typically PMTK/PQTM
// sentences) arrive from the serial port or Submit and are written to the
// module in chunks that fit its receive buffer.
package bridge
