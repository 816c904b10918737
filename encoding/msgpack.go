// Package encoding provides serialization for change events crossing a
// process boundary: transports decode inbound payloads and the relay
// encodes outbound ones. All msgpack operations go through this package.
//
// Thread Safety: every function is safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode as
// Go strings (not []byte), so row values compare as text in filters and
// invalidation keys.
package encoding

import (
	"bytes"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v to msgpack. Map keys are written in sorted order so the
// same record always produces the same bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v. Inside records integers decode as
// int64/uint64 and binary as string.
func Unmarshal(data []byte, v interface{}) error {
	return decodeFrom(bytes.NewReader(data), v)
}

// encodeTo borrows a pooled encoder; Reset clears its flags, so options are
// applied after it
func encodeTo(w io.Writer, v interface{}) error {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	enc.Reset(w)
	enc.SetSortMapKeys(true)
	return enc.Encode(v)
}

func decodeFrom(r io.Reader, v interface{}) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)

	dec.Reset(r)
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
