package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexIsDeterministicAndFullWidth(t *testing.T) {
	h1 := Hex("mykey")
	h2 := Hex("mykey")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHexKnownVector(t *testing.T) {
	// SHA-256("") = e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hex(""))
}

func TestHexDiffersOnDifferentInputs(t *testing.T) {
	assert.NotEqual(t, Hex("a"), Hex("b"))
}

func TestDJB2Deterministic(t *testing.T) {
	assert.Equal(t, DJB2("mykey"), DJB2("mykey"))
}

func TestDJB2KnownVector(t *testing.T) {
	// classic djb2("") == 5381
	assert.Equal(t, uint32(5381), DJB2(""))
}

func TestChunksSplitsIntoFourSixteenCharSegments(t *testing.T) {
	hex := Hex("mykey")
	chunks := Chunks(hex)
	require.Len(t, chunks, 4)
	joined := ""
	for _, c := range chunks {
		assert.Len(t, c, 16)
		joined += c
	}
	assert.Equal(t, hex, joined)
}
