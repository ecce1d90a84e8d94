package protocol

import (
	"bytes"
	"encoding/gob"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(buf []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(buf)).Decode(v)
}
