package telegram

import "fmt"

// DecodeLatin1 maps raw Latin-1 bytes onto their Unicode code points. Use for
// display only; the codec itself stays on bytes.
func DecodeLatin1(b []byte) string {
	rs := make([]rune, len(b))
	for i, c := range b {
		rs[i] = rune(c)
	}
	return string(rs)
}

// EncodeLatin1 converts a display string back to Latin-1 bytes. Code points
// above 0xFF have no representation and fail.
func EncodeLatin1(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return nil, fmt.Errorf("%w: %q", ErrNotLatin1, r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}
