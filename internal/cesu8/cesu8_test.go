package cesu8

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/transform"
)

func TestEncode_SupplementaryPlane(t *testing.T) {
	got := Encode("\U0001F600")
	require.Equal(t, []byte{0xED, 0xA0, 0xBD, 0xED, 0xB8, 0x80}, got)
	require.True(t, isPair(got))

	assert.Equal(t, "\U0001F600", Decode(got))
}

func TestEncode_BMPUnchanged(t *testing.T) {
	for _, s := range []string{"", "abc", "héllo", "中文", "￿", "a\x00b"} {
		assert.Equal(t, []byte(s), Encode(s), "%q", s)
		assert.Equal(t, s, Decode(Encode(s)), "%q", s)
	}
}

func TestRoundTrip_Mixed(t *testing.T) {
	s := "start \U0001F600 mid \U00010000 \U0010FFFF end é"
	enc := Encode(s)
	assert.NotContains(t, string(enc), "\U0001F600")
	assert.Equal(t, s, Decode(enc))
}

func TestDecode_PassThrough(t *testing.T) {
	// lone high surrogate followed by ASCII is not a pair
	in := []byte{0xED, 0xA0, 0x80, 'x'}
	assert.Equal(t, string(in), Decode(in))

	// truncated pair at end of input
	in = []byte{0xED, 0xA0, 0xBD, 0xED, 0xB8}
	assert.Equal(t, string(in), Decode(in))

	// invalid UTF-8 bytes are preserved by the encoder
	assert.Equal(t, []byte{0xff, 'a'}, Encode("\xffa"))
}

func TestTransformers_Streaming(t *testing.T) {
	s := strings.Repeat("\U0001F600aé", 2000)

	var enc bytes.Buffer
	w := transform.NewWriter(&enc, Encoding.NewEncoder())
	// odd-sized writes split multi-byte sequences across calls
	src := []byte(s)
	for len(src) > 0 {
		n := 7
		if n > len(src) {
			n = len(src)
		}
		_, err := w.Write(src[:n])
		require.NoError(t, err)
		src = src[n:]
	}
	require.NoError(t, w.Close())
	require.Equal(t, Encode(s), enc.Bytes())

	r := transform.NewReader(iotestHalf(bytes.NewReader(enc.Bytes())), Encoding.NewDecoder())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, s, string(out))
}

func TestUTF16Bridge(t *testing.T) {
	s := "aé中\U0001F600"
	units := ToUTF16(Encode(s))
	assert.Equal(t, utf16.Encode([]rune(s)), units)
	assert.Equal(t, Encode(s), FromUTF16(units))

	// unpaired surrogate survives in both directions
	lone := []uint16{'x', 0xD83D, 'y'}
	b := FromUTF16(lone)
	assert.Equal(t, lone, ToUTF16(b))
	assert.Equal(t, b, Encode(Decode(b)))

	// plain UTF-8 four-byte input is also accepted
	assert.Equal(t, utf16.Encode([]rune("\U0001F600")), ToUTF16([]byte("\U0001F600")))

	assert.Equal(t, []uint16{0xFFFD}, ToUTF16([]byte{0x80}))
}

func TestEncoding_String(t *testing.T) {
	assert.Equal(t, "CESU-8", Encoding.(interface{ String() string }).String())
}

// halfReader returns at most one byte per Read to exercise ErrShortSrc paths.
type halfReader struct{ r io.Reader }

func iotestHalf(r io.Reader) io.Reader { return &halfReader{r: r} }

func (h *halfReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return h.r.Read(p)
}
