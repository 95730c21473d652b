package pack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	w := NewWriter()
	spans := make([][2]int64, 0, 3)
	contents := [][]byte{
		[]byte("revision one"),
		[]byte(""),
		[]byte("a much longer record body that should still come back intact"),
	}
	for _, c := range contents {
		off, length, err := w.Add(c)
		require.NoError(t, err)
		spans = append(spans, [2]int64{off, length})
	}

	blob := w.Bytes()
	require.NoError(t, CheckMagic(blob))
	assert.Equal(t, int64(len(blob)), w.Size())
	assert.Equal(t, NameOf(blob), w.Name(), "streaming digest must match the whole-blob digest")
	assert.True(t, ValidName(w.Name()))

	for i, span := range spans {
		got, err := ReadRecord(blob, span[0], span[1])
		require.NoError(t, err)
		assert.Equal(t, string(contents[i]), string(got))
	}
}

func TestReadRecordRejectsBadSpans(t *testing.T) {
	w := NewWriter()
	off, length, err := w.Add([]byte("payload"))
	require.NoError(t, err)
	blob := w.Bytes()

	_, err = ReadRecord(blob, 0, length)
	assert.ErrorIs(t, err, ErrCorrupted, "span inside the header")

	_, err = ReadRecord(blob, off, length+10)
	assert.ErrorIs(t, err, ErrCorrupted, "span past the blob")

	_, err = ReadRecord(blob, off, length-1)
	assert.ErrorIs(t, err, ErrCorrupted, "span shorter than the frame")

	corrupt := append([]byte(nil), blob...)
	corrupt[int(off)+3] ^= 0xff
	_, err = ReadRecord(corrupt, off, length)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestCheckMagic(t *testing.T) {
	assert.ErrorIs(t, CheckMagic([]byte("not a pack")), ErrCorrupted)
}

func TestValueRoundTrip(t *testing.T) {
	v := EncodeValue(1234, 56)
	assert.Equal(t, "1234 56", string(v))
	off, length, err := ParseValue(v)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), off)
	assert.Equal(t, int64(56), length)

	_, _, err = ParseValue([]byte("1234"))
	assert.ErrorIs(t, err, ErrCorrupted)
	_, _, err = ParseValue([]byte("12 potato"))
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestSizesRoundTrip(t *testing.T) {
	s := Sizes{Index: []int64{10, 20, 30, 40}, Pack: 5000}
	encoded := s.Encode()
	assert.Equal(t, "10 20 30 40 5000", string(encoded))

	parsed, err := ParseSizes(encoded, 4)
	require.NoError(t, err)
	assert.Equal(t, s, parsed)

	_, err = ParseSizes(encoded, 5)
	assert.Error(t, err, "field count must match the kind count")
	_, err = ParseSizes([]byte("10 20 -1 40 5000"), 4)
	assert.Error(t, err)
}

func TestKinds(t *testing.T) {
	base := Kinds(false)
	require.Len(t, base, 4)
	assert.Equal(t, ".rix", base[0].Suffix)
	assert.Equal(t, ".six", base[3].Suffix)

	withCHK := Kinds(true)
	require.Len(t, withCHK, 5)
	assert.Equal(t, CHK, withCHK[4])

	assert.Equal(t, "abc.pack", FileName("abc"))
	assert.Equal(t, "abc.tix", IndexFileName("abc", Texts))
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"))
	assert.False(t, ValidName("0123456789ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef"))
	assert.False(t, ValidName("short"))
	assert.False(t, ValidName("../../../../etc/passwd"))
}
