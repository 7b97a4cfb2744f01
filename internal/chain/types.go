package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Address is a 20-byte EVM account address.
type Address [20]byte

// Hash is a 32-byte word: log topics, position identifiers, price-feed keys.
type Hash [32]byte

// ParseAddress decodes a 0x-prefixed 40-hex-char address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := decodeHex(s, 20)
	if err != nil {
		return a, fmt.Errorf("parse address %q: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

// MustAddress is ParseAddress for compile-time constants; panics on bad input.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Word left-pads the address into a 32-byte call argument.
func (a Address) Word() Hash {
	var h Hash
	copy(h[12:], a[:])
	return h
}

// ParseHash decodes a 0x-prefixed 64-hex-char word.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := decodeHex(s, 32)
	if err != nil {
		return h, fmt.Errorf("parse hash %q: %w", s, err)
	}
	copy(h[:], b)
	return h, nil
}

// MustHash is ParseHash for compile-time constants; panics on bad input.
func MustHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// AddressFromTopic extracts an address packed into an indexed topic word:
// the low-order 20 bytes of the 32-byte topic.
func AddressFromTopic(t Hash) Address {
	var a Address
	copy(a[:], t[12:])
	return a
}

// BigWord encodes a non-negative integer as a 32-byte call argument.
func BigWord(v *big.Int) Hash {
	var h Hash
	v.FillBytes(h[:])
	return h
}

// UintWord encodes a uint64 as a 32-byte call argument.
func UintWord(v uint64) Hash {
	return BigWord(new(big.Int).SetUint64(v))
}

// Log is one raw event-log entry as returned by the gateway.
type Log struct {
	Address     Address
	Topics      []Hash
	Data        []byte
	BlockNumber uint64
	LogIndex    uint32
	TxHash      Hash
	Timestamp   uint64 // unix seconds, as reported by the index
}

var twoPow256 = new(big.Int).Lsh(big.NewInt(1), 256)

// U256 interprets a 32-byte word as an unsigned integer.
func U256(word []byte) *big.Int {
	return new(big.Int).SetBytes(word)
}

// S256 interprets a 32-byte word as a two's-complement signed integer.
// Values at or above 2^255 wrap negative.
func S256(word []byte) *big.Int {
	v := new(big.Int).SetBytes(word)
	if len(word) == 32 && v.Bit(255) == 1 {
		v.Sub(v, twoPow256)
	}
	return v
}

// Word returns the i-th 32-byte word of ABI-encoded data.
func Word(data []byte, i int) ([]byte, error) {
	start := i * 32
	end := start + 32
	if start < 0 || end > len(data) {
		return nil, fmt.Errorf("word %d out of range (%d bytes)", i, len(data))
	}
	return data[start:end], nil
}

// Selector returns the 4-byte function selector for a canonical signature,
// e.g. "getVaultAddress(bytes32)".
func Selector(sig string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(sig))
	return h.Sum(nil)[:4]
}

// Calldata concatenates a selector with 32-byte-padded arguments.
func Calldata(selector []byte, args ...Hash) []byte {
	data := make([]byte, 0, len(selector)+32*len(args))
	data = append(data, selector...)
	for _, a := range args {
		data = append(data, a[:]...)
	}
	return data
}

func decodeHex(s string, wantLen int) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("want %d bytes, got %d", wantLen, len(b))
	}
	return b, nil
}
