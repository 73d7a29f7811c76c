package mrsa

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/absfs/sfs/hexcodec"
	"github.com/absfs/sfs/mpi"
)

// KeySize is the size of a marshalled KeyPair: a 4-byte little-endian bit
// count followed by N, E, D, P, Q, DP, DQ and QP as little-endian limbs.
const KeySize = 4 + 8*mpi.Bytes

// ErrKeyTooShort is returned when a key blob is shorter than KeySize.
var ErrKeyTooShort = errors.New("mrsa: key blob too short")

func (k *KeyPair) fields() []*mpi.Int {
	return []*mpi.Int{&k.N, &k.E, &k.D, &k.P, &k.Q, &k.DP, &k.DQ, &k.QP}
}

// WriteTo writes the binary layout of k to w.
func (k *KeyPair) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)
	buf.Grow(KeySize)

	if err := binary.Write(buf, binary.LittleEndian, k.Bits); err != nil {
		return 0, fmt.Errorf("failed to write bit count: %w", err)
	}
	for _, f := range k.fields() {
		if err := binary.Write(buf, binary.LittleEndian, f[:]); err != nil {
			return 0, fmt.Errorf("failed to write key field: %w", err)
		}
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom reads the binary layout of a key from r into k.
func (k *KeyPair) ReadFrom(r io.Reader) (int64, error) {
	var totalRead int64

	if err := binary.Read(r, binary.LittleEndian, &k.Bits); err != nil {
		return totalRead, shortKey(err)
	}
	totalRead += 4

	for _, f := range k.fields() {
		if err := binary.Read(r, binary.LittleEndian, f[:]); err != nil {
			return totalRead, shortKey(err)
		}
		totalRead += mpi.Bytes
	}
	return totalRead, nil
}

func shortKey(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrKeyTooShort
	}
	return fmt.Errorf("failed to read key: %w", err)
}

// MarshalBinary returns the KeySize-byte layout of k.
func (k *KeyPair) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := k.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the first KeySize bytes of data into k. Extra
// bytes are ignored so that block padded blobs decode.
func (k *KeyPair) UnmarshalBinary(data []byte) error {
	if len(data) < KeySize {
		return ErrKeyTooShort
	}
	_, err := k.ReadFrom(bytes.NewReader(data[:KeySize]))
	return err
}

// Serialize returns the hex text of the binary layout, 2*KeySize characters
// in the legacy nibble order.
func (k *KeyPair) Serialize() string {
	b, _ := k.MarshalBinary()
	return hexcodec.Encode(b)
}

// Parse decodes a key from Serialize output. Trailing characters past
// 2*KeySize are ignored.
func Parse(s string) (*KeyPair, error) {
	if len(s) < hexcodec.EncodedLen(KeySize) {
		return nil, ErrKeyTooShort
	}
	b, err := hexcodec.Decode(s[:hexcodec.EncodedLen(KeySize)])
	if err != nil {
		return nil, fmt.Errorf("mrsa: parse key: %w", err)
	}
	k := new(KeyPair)
	if err := k.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return k, nil
}
