package lc29h

// Transport exchanges one frame on the bus. The returned slice has the same
// length as tx; rx[i] is what the module clocked out while tx[i] was sent.
//
// Implementations carry no protocol knowledge and need not be safe for
// concurrent use; the Session serializes all calls.
type Transport interface {
	Exchange(tx []byte) (rx []byte, err error)
}
