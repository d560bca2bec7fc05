package trace

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor decoder mode: %v", err))
	}
}

// EncodeEvent returns e as one CBOR data item. Trace files are a plain
// concatenation of such items.
func EncodeEvent(e Event) ([]byte, error) {
	return encMode.Marshal(e)
}

func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := decMode.Unmarshal(b, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
