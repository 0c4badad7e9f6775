package identifier

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXorSelfIsZero(t *testing.T) {
	id := Random()
	zero := id.Xor(id)
	assert.Equal(t, Identifier{}, zero)
}

func TestLeadingZerosAllZero(t *testing.T) {
	var id Identifier
	assert.Equal(t, Bits, id.LeadingZeros())
}

func TestRandomWithPrefixZerosMatchesLeadingZeros(t *testing.T) {
	for i := 0; i < Bits; i++ {
		id := RandomWithPrefixZeros(i)
		require.Equal(t, i, id.LeadingZeros(), "prefix %d", i)
	}
}

func TestRandomWithPrefixZerosRange(t *testing.T) {
	for i := 0; i < Bits; i++ {
		id := RandomWithPrefixZeros(i)
		value := new(big.Int).SetBytes(id[:])

		lower := new(big.Int).Lsh(big.NewInt(1), uint(Bits-i-1))
		upper := new(big.Int).Lsh(lower, 1)

		assert.True(t, value.Cmp(lower) >= 0, "value %s below lower bound %s", value, lower)
		assert.True(t, value.Cmp(upper) < 0, "value %s at or above upper bound %s", value, upper)
	}
}

func TestLess(t *testing.T) {
	a := Identifier{0x00, 0x01}
	b := Identifier{0x00, 0x02}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

func TestFromBytesPads(t *testing.T) {
	id := FromBytes([]byte{0x01, 0x02})
	assert.Equal(t, byte(0x01), id[Length-2])
	assert.Equal(t, byte(0x02), id[Length-1])
}
