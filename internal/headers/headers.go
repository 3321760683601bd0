// Package headers models raw Bitcoin block headers for reorg checks.
package headers

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/quasar-wallet/quasard/pkg/helpers"
)

// Size is the serialized length of a block header.
const Size = 80

// Header is a parsed 80-byte block header.
type Header struct {
	Version    int32
	PrevHash   string
	MerkleRoot string
	Timestamp  int64
	Bits       uint32
	Nonce      uint32
	Height     int32
}

// Parse decodes an 80-byte header from hex.
// All fields on the wire are little-endian.
func Parse(headerHex string, height int32) (*Header, error) {
	raw, err := helpers.HexToBytes(headerHex)
	if err != nil {
		return nil, fmt.Errorf("invalid header hex: %w", err)
	}
	if len(raw) != Size {
		return nil, fmt.Errorf("invalid header length: expected %d, got %d", Size, len(raw))
	}

	return &Header{
		Version:    int32(binary.LittleEndian.Uint32(raw[0:4])),
		PrevHash:   helpers.BytesToHex(helpers.ReverseBytes(raw[4:36])),
		MerkleRoot: helpers.BytesToHex(helpers.ReverseBytes(raw[36:68])),
		Timestamp:  int64(binary.LittleEndian.Uint32(raw[68:72])),
		Bits:       binary.LittleEndian.Uint32(raw[72:76]),
		Nonce:      binary.LittleEndian.Uint32(raw[76:80]),
		Height:     height,
	}, nil
}

// Serialize re-encodes the header to its 80-byte wire form.
func (h *Header) Serialize() ([]byte, error) {
	prev, err := helpers.HexToBytes(h.PrevHash)
	if err != nil || len(prev) != 32 {
		return nil, fmt.Errorf("invalid prev hash %q", h.PrevHash)
	}
	merkle, err := helpers.HexToBytes(h.MerkleRoot)
	if err != nil || len(merkle) != 32 {
		return nil, fmt.Errorf("invalid merkle root %q", h.MerkleRoot)
	}

	raw := make([]byte, Size)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(h.Version))
	copy(raw[4:36], helpers.ReverseBytes(prev))
	copy(raw[36:68], helpers.ReverseBytes(merkle))
	binary.LittleEndian.PutUint32(raw[68:72], uint32(h.Timestamp))
	binary.LittleEndian.PutUint32(raw[72:76], h.Bits)
	binary.LittleEndian.PutUint32(raw[76:80], h.Nonce)
	return raw, nil
}

// Hash returns the block hash (double SHA-256 of the serialized
// header, displayed byte-reversed). Returns "" for a malformed header.
func (h *Header) Hash() string {
	raw, err := h.Serialize()
	if err != nil {
		return ""
	}
	first := sha256.Sum256(raw)
	second := sha256.Sum256(first[:])
	return helpers.BytesToHex(helpers.ReverseBytes(second[:]))
}
