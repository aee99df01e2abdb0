package identity

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("identity: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("identity: decode: %w", err)
	}
	return nil
}
