package audit

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/atombond/internal/atom"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): the same record
// always produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Frequencies keep their JSON text in an unexported field; encode them
	// through MarshalText so the text survives.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("audit: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeSnapshot(rec atom.BondedRecord) ([]byte, error) {
	return encMode.Marshal(rec)
}

func decodeSnapshot(data []byte) (atom.BondedRecord, error) {
	var rec atom.BondedRecord
	err := decMode.Unmarshal(data, &rec)
	return rec, err
}
