package delivery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	const size = 5000
	cases := []struct {
		name   string
		header string
		want   *ByteRange
		err    error
	}{
		{name: "absent", header: ""},
		{name: "first kilobyte", header: "bytes=0-1023", want: &ByteRange{Start: 0, End: 1023}},
		{name: "open ended", header: "bytes=4000-", want: &ByteRange{Start: 4000, End: 4999}},
		{name: "suffix", header: "bytes=-500", want: &ByteRange{Start: 4500, End: 4999}},
		{name: "suffix longer than body", header: "bytes=-9000", want: &ByteRange{Start: 0, End: 4999}},
		{name: "end clamped", header: "bytes=4990-9999", want: &ByteRange{Start: 4990, End: 4999}},
		{name: "single last byte", header: "bytes=4999-4999", want: &ByteRange{Start: 4999, End: 4999}},
		{name: "start past end", header: "bytes=6000-", err: ErrUnsatisfiable},
		{name: "start at size", header: "bytes=5000-5100", err: ErrUnsatisfiable},
		{name: "reversed", header: "bytes=200-100", err: ErrUnsatisfiable},
		{name: "zero suffix", header: "bytes=-0", err: ErrUnsatisfiable},
		{name: "other unit", header: "items=0-10"},
		{name: "multiple ranges", header: "bytes=0-10,20-30"},
		{name: "garbage numbers", header: "bytes=abc-def"},
		{name: "negative start", header: "bytes=--5"},
		{name: "missing dash", header: "bytes=100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRange(tc.header, size)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.Nil(t, got)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseRangeEmptyResource(t *testing.T) {
	got, err := ParseRange("bytes=0-", 0)
	require.ErrorIs(t, err, ErrUnsatisfiable)
	require.Nil(t, got)

	got, err = ParseRange("bytes=-10", 0)
	require.ErrorIs(t, err, ErrUnsatisfiable)
	require.Nil(t, got)
}

func TestByteRangeHeaders(t *testing.T) {
	r := ByteRange{Start: 0, End: 1023}
	require.Equal(t, int64(1024), r.Length())
	require.Equal(t, "bytes 0-1023/5000", r.ContentRange(5000))
	require.Equal(t, "bytes */5000", UnsatisfiedContentRange(5000))
}
