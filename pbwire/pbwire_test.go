package pbwire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRangeDecodesEveryFieldKind(t *testing.T) {
	var b []byte
	b = AppendVarint(b, 1, 42)
	b = AppendInt(b, 2, -7)
	b = AppendDouble(b, 3, math.Inf(1))
	b = AppendString(b, 4, "best")
	b = AppendPackedDoubles(b, 5, []float64{0.5, -1.25, 3})
	b = AppendPackedInts(b, 6, []int{4, -3, 0})
	b = AppendString(b, 7, "")

	seen := map[protowire.Number]bool{}
	err := Range(b, func(f Field) error {
		seen[f.Num] = true
		switch f.Num {
		case 1:
			assert.Equal(t, uint64(42), f.Varint)
		case 2:
			assert.Equal(t, int64(-7), f.Int())
		case 3:
			assert.True(t, math.IsInf(f.Double(), 1))
		case 4:
			assert.Equal(t, "best", string(f.Bytes))
		case 5:
			vs, err := Doubles(f)
			require.NoError(t, err)
			assert.Equal(t, []float64{0.5, -1.25, 3}, vs)
		case 6:
			vs, err := Ints(f)
			require.NoError(t, err)
			assert.Equal(t, []int{4, -3, 0}, vs)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 6)
	assert.False(t, seen[7])
}

func TestRangeRejectsTruncatedInput(t *testing.T) {
	b := AppendPackedDoubles(nil, 1, []float64{1, 2})
	err := Range(b[:len(b)-3], func(Field) error { return nil })
	require.Error(t, err)
}

func TestDoublesRejectsWrongType(t *testing.T) {
	_, err := Doubles(Field{Num: 1, Type: protowire.VarintType})
	require.Error(t, err)
	_, err = Doubles(Field{Num: 1, Type: protowire.BytesType, Bytes: []byte{1, 2, 3}})
	require.Error(t, err)
}
