// Package trace records and replays bus exchanges.
//
// A Tap wraps any transport and emits one Event per exchange (frame sent,
// frame received, error, duration). Events are CBOR encoded with integer keys
// and appended to a file by FileLogger; Reader streams them back, and Replay
// turns a recorded session into a transport that answers the driver with the
// recorded responses, for regression tests against real captures.
package trace
