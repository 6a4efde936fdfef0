package telegram

import (
	"fmt"
	"hash/crc32"
)

// Checksums are transmitted as letters rather than hex digits: each nibble is
// offset into 'A'..'P'. A one-byte checksum therefore occupies exactly two
// ASCII letters on the wire.
const (
	nibbleBase     = 'A'
	nibbleMax      = 'P'
	ChecksumLen    = 2
	CRCChecksumLen = 8
)

// Nibble encodes one byte as two letters, high nibble first.
func Nibble(b byte) string {
	return string([]byte{
		nibbleBase + (b&0xF0)>>4,
		nibbleBase + b&0x0F,
	})
}

// DeNibble decodes a two-letter pair produced by Nibble back into a byte.
func DeNibble(s string) (byte, error) {
	if len(s) != ChecksumLen {
		return 0, fmt.Errorf("%w: nibble pair must be 2 characters, got %d", ErrBadChecksum, len(s))
	}
	hi, lo := s[0], s[1]
	if hi < nibbleBase || hi > nibbleMax || lo < nibbleBase || lo > nibbleMax {
		return 0, fmt.Errorf("%w: nibble characters out of range in %q", ErrBadChecksum, s)
	}
	return (hi-nibbleBase)<<4 | (lo - nibbleBase), nil
}

// XORNibble computes the frame checksum: XOR of every payload byte,
// nibble-encoded into two letters A..P.
func XORNibble(payload []byte) string {
	var c byte
	for _, b := range payload {
		c ^= b
	}
	return Nibble(c)
}

// VerifyChecksum reports whether the two-letter checksum matches the payload.
func VerifyChecksum(payload []byte, checksum string) bool {
	return XORNibble(payload) == checksum
}

// CRC32Nibble computes the integrity checksum used for action-table and
// firmware transfers: CRC-32 (polynomial 0xEDB88320, initial and final XOR
// 0xFFFFFFFF, least-significant bit first) nibble-encoded byte by byte with
// the least-significant byte's letter pair first. The empty input yields
// "AAAAAAAA".
func CRC32Nibble(data []byte) string {
	crc := crc32.ChecksumIEEE(data)

	out := make([]byte, 0, CRCChecksumLen)
	for i := 0; i < 4; i++ {
		b := byte(crc >> (8 * i))
		out = append(out, nibbleBase+(b&0xF0)>>4, nibbleBase+b&0x0F)
	}
	return string(out)
}

// VerifyCRC32Nibble reports whether the eight-letter checksum matches data.
func VerifyCRC32Nibble(data []byte, checksum string) bool {
	return CRC32Nibble(data) == checksum
}
