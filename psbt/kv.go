package psbt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

const (
	// maxKeyLength bounds the keys read from the wire.
	maxKeyLength = 10000

	// maxValueLength bounds the values read from the wire. A non-witness
	// UTXO is the largest value there is, and it is below the block size.
	maxValueLength = 4000000
)

// magic is "psbt" followed by the 0xff separator.
var magic = [5]byte{0x70, 0x73, 0x62, 0x74, 0xff}

// kvPair is one record of a map: <keylen><keytype><keydata><vallen><value>.
type kvPair struct {
	keyType byte
	keyData []byte
	value   []byte
}

// fullKey returns the type byte followed by the key data, the form kept in
// unknown records.
func (kv *kvPair) fullKey() []byte {
	return append([]byte{kv.keyType}, kv.keyData...)
}

// readKV reads the next record of a map. A nil pair marks the separator at
// the end of the map.
func readKV(r io.Reader) (*kvPair, error) {
	keyLen, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: key length: %v", ErrMalformedEncoding,
			err)
	}
	if keyLen == 0 {
		return nil, nil
	}
	if keyLen > maxKeyLength {
		return nil, fmt.Errorf("%w: key of %d bytes", ErrMalformedEncoding,
			keyLen)
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrMalformedEncoding, err)
	}

	value, err := wire.ReadVarBytes(r, 0, maxValueLength, "psbt value")
	if err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrMalformedEncoding, err)
	}

	kv := &kvPair{keyType: key[0], value: value}
	if len(key) > 1 {
		kv.keyData = key[1:]
	}

	return kv, nil
}

func writeKV(w io.Writer, keyType byte, keyData, value []byte) error {
	key := make([]byte, 0, 1+len(keyData))
	key = append(key, keyType)
	key = append(key, keyData...)

	return writeRawKV(w, key, value)
}

func writeRawKV(w io.Writer, key, value []byte) error {
	if err := wire.WriteVarBytes(w, 0, key); err != nil {
		return err
	}

	return wire.WriteVarBytes(w, 0, value)
}

func writeSeparator(w io.Writer) error {
	_, err := w.Write([]byte{0x00})
	return err
}

// keySet tracks the keys seen in one map.
type keySet map[string]struct{}

func (s keySet) add(kv *kvPair) bool {
	k := string(kv.fullKey())
	if _, ok := s[k]; ok {
		return false
	}
	s[k] = struct{}{}

	return true
}

func readTxOut(b []byte) (*wire.TxOut, error) {
	r := bytes.NewReader(b)

	var value int64
	if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
		return nil, err
	}
	script, err := wire.ReadVarBytes(r, 0, maxValueLength, "pkScript")
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}

	return wire.NewTxOut(value, script), nil
}

func serializeTxOut(out *wire.TxOut) ([]byte, error) {
	var b bytes.Buffer
	if err := wire.WriteTxOut(&b, 0, 0, out); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}
