package morton

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeZero(t *testing.T) {
	assert.Equal(t, uint64(0), Encode(0, 0))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		x := r.Uint32()
		y := r.Uint32()
		k := Encode(x, y)
		gotX, gotY := Decode(k)
		assert.Equal(t, x, gotX)
		assert.Equal(t, y, gotY)
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 10000; i++ {
		k := r.Uint64()
		x, y := Decode(k)
		assert.Equal(t, k, Encode(x, y))
	}
}

func TestHilbertRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 1000; i++ {
		x := r.Uint32()
		y := r.Uint32()
		d := HilbertEncode(x, y)
		gotX, gotY := HilbertDecode(d)
		assert.Equal(t, x, gotX)
		assert.Equal(t, y, gotY)
	}
}

func TestPreservesLocality(t *testing.T) {
	// Neighboring grid cells should have morton keys close together far
	// more often than distant ones -- a loose sanity check, not a proof.
	near := Encode(1000, 1000)
	nearer := Encode(1001, 1000)
	far := Encode(1000, 1_000_000)
	assert.Less(t, nearer-near, far-near)
}
