package ecash

import (
	"bytes"
	"fmt"

	"github.com/pandodao/mtg/mtgpack"
)

// buildIndexKey never aliases prefix, the prefixes are shared package vars.
func buildIndexKey(prefix []byte, values ...any) []byte {
	enc := mtgpack.NewEncoder()
	if err := enc.EncodeValues(values...); err != nil {
		panic(err)
	}

	key := make([]byte, 0, len(prefix)+len(enc.Bytes()))
	key = append(key, prefix...)
	return append(key, enc.Bytes()...)
}

func decodeIndexKey(key, prefix []byte, values ...any) error {
	if !bytes.HasPrefix(key, prefix) {
		return fmt.Errorf("key %x outside prefix %q", key, prefix)
	}

	dec := mtgpack.NewDecoder(key[len(prefix):])
	return dec.DecodeValues(values...)
}
