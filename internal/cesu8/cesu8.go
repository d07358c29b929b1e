// Package cesu8 converts between Go's UTF-8 strings and the CESU-8 form used
// for strings on the script side of the bridge.
//
// CESU-8 differs from UTF-8 only for supplementary-plane code points, which
// are written as a UTF-16 surrogate pair with each half encoded as its own
// three-byte sequence.
package cesu8

import (
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// Encoding is the CESU-8 encoding. Its encoder turns UTF-8 into CESU-8 and its
// decoder turns CESU-8 back into UTF-8.
var Encoding encoding.Encoding = cesu8Encoding{}

type cesu8Encoding struct{}

func (cesu8Encoding) NewDecoder() *encoding.Decoder {
	return &encoding.Decoder{Transformer: &decoder{}}
}

func (cesu8Encoding) NewEncoder() *encoding.Encoder {
	return &encoding.Encoder{Transformer: &encoder{}}
}

func (cesu8Encoding) String() string { return "CESU-8" }

// Encode returns the CESU-8 form of s.
func Encode(s string) []byte {
	b, _, err := transform.Bytes(&encoder{}, []byte(s))
	if err != nil {
		// the transformers never fail on complete input
		return []byte(s)
	}
	return b
}

// Decode returns the UTF-8 form of CESU-8 bytes b.
func Decode(b []byte) string {
	s, _, err := transform.Bytes(&decoder{}, b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// encoder rewrites supplementary code points as surrogate pairs.
// Everything else, invalid bytes included, is copied through.
type encoder struct{ transform.NopResetter }

func (e *encoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c < utf8.RuneSelf {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
			nSrc++
			continue
		}
		if !atEOF && !utf8.FullRune(src[nSrc:]) {
			return nDst, nSrc, transform.ErrShortSrc
		}
		r, size := utf8.DecodeRune(src[nSrc:])
		if r < 0x10000 || (r == utf8.RuneError && size == 1) {
			if nDst+size > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			nDst += copy(dst[nDst:], src[nSrc:nSrc+size])
			nSrc += size
			continue
		}
		if nDst+6 > len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		putPair(dst[nDst:], r)
		nDst += 6
		nSrc += size
	}
	return nDst, nSrc, nil
}

func putPair(dst []byte, r rune) {
	c := uint32(r) - 0x10000
	dst[0] = 0xED
	dst[1] = byte(0xA0 + ((c >> 16) & 0x0F))
	dst[2] = byte(0x80 + ((c >> 10) & 0x3F))
	dst[3] = 0xED
	dst[4] = byte(0xB0 + ((c >> 6) & 0x0F))
	dst[5] = byte(0x80 + (c & 0x3F))
}

// decoder recombines six-byte surrogate pairs into four-byte UTF-8.
type decoder struct{ transform.NopResetter }

func (d *decoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c != 0xED {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
			nSrc++
			continue
		}
		rest := src[nSrc:]
		if len(rest) < 6 && !atEOF && pairPrefix(rest) {
			return nDst, nSrc, transform.ErrShortSrc
		}
		if len(rest) >= 6 && isPair(rest) {
			if nDst+4 > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			nDst += utf8.EncodeRune(dst[nDst:], pairRune(rest))
			nSrc += 6
			continue
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}

// pairPattern holds the inclusive byte ranges of an encoded surrogate pair.
var pairPattern = [6][2]byte{
	{0xED, 0xED}, {0xA0, 0xAF}, {0x80, 0xBF},
	{0xED, 0xED}, {0xB0, 0xBF}, {0x80, 0xBF},
}

func pairPrefix(b []byte) bool {
	for i := 0; i < len(b) && i < 6; i++ {
		if b[i] < pairPattern[i][0] || b[i] > pairPattern[i][1] {
			return false
		}
	}
	return true
}

func isPair(b []byte) bool {
	return len(b) >= 6 && pairPrefix(b[:6])
}

func pairRune(b []byte) rune {
	c := uint32(b[1]&0x0F)<<16 | uint32(b[2]&0x3F)<<10 | uint32(b[4]&0x0F)<<6 | uint32(b[5]&0x3F)
	return rune(c + 0x10000)
}

// ToUTF16 converts CESU-8 bytes into UTF-16 code units. Encoded surrogates
// map to their code unit unchanged, so unpaired halves survive. Four-byte
// UTF-8 sequences are accepted and split into pairs. Bytes that start no
// valid sequence become U+FFFD.
func ToUTF16(b []byte) []uint16 {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xE0 == 0xC0 && i+1 < len(b) && isCont(b[i+1]):
			units = append(units, uint16(c&0x1F)<<6|uint16(b[i+1]&0x3F))
			i += 2
		case c&0xF0 == 0xE0 && i+2 < len(b) && isCont(b[i+1]) && isCont(b[i+2]):
			units = append(units, uint16(c&0x0F)<<12|uint16(b[i+1]&0x3F)<<6|uint16(b[i+2]&0x3F))
			i += 3
		case c&0xF8 == 0xF0:
			r, size := utf8.DecodeRune(b[i:])
			if r == utf8.RuneError {
				units = append(units, utf8.RuneError)
				i++
				continue
			}
			r1, r2 := utf16.EncodeRune(r)
			units = append(units, uint16(r1), uint16(r2))
			i += size
		default:
			units = append(units, utf8.RuneError)
			i++
		}
	}
	return units
}

func isCont(c byte) bool { return c&0xC0 == 0x80 }

// FromUTF16 converts UTF-16 code units into CESU-8 bytes, one one-to-three
// byte sequence per unit.
func FromUTF16(units []uint16) []byte {
	b := make([]byte, 0, len(units))
	for _, u := range units {
		switch {
		case u < 0x80:
			b = append(b, byte(u))
		case u < 0x800:
			b = append(b, 0xC0|byte(u>>6), 0x80|byte(u&0x3F))
		default:
			b = append(b, 0xE0|byte(u>>12), 0x80|byte((u>>6)&0x3F), 0x80|byte(u&0x3F))
		}
	}
	return b
}
