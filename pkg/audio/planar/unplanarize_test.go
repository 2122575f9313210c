package planar

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func clean(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func TestUnplanarize(t *testing.T) {
	b := must(hex.DecodeString(clean("00010203 04050607 08090A0B 0C0D0E0F 10111213 14151617 18191A1B 1C1D1E1F")))
	r := make([]byte, len(b))
	err := Unplanarize(2, 4, r, b)
	require.NoError(t, err)
	require.Equal(t, must(hex.DecodeString(clean("00010203 10111213 04050607 14151617 08090A0B 18191A1B 0C0D0E0F 1C1D1E1F"))), r, spew.Sdump(b))
}

func TestPlanarizeUnplanarize(t *testing.T) {
	interleaved := []byte{1, 2, 11, 12, 21, 22, 3, 4, 13, 14, 23, 24}
	planarized := make([]byte, len(interleaved))
	require.NoError(t, Planarize(3, 2, planarized, interleaved))
	require.Equal(t, []byte{1, 2, 3, 4, 11, 12, 13, 14, 21, 22, 23, 24}, planarized)

	back := make([]byte, len(interleaved))
	require.NoError(t, Unplanarize(3, 2, back, planarized))
	require.Equal(t, interleaved, back)

	require.Error(t, Planarize(3, 2, planarized[:5], interleaved[:5]))
	require.Error(t, Planarize(3, 2, planarized[:6], interleaved))
}
