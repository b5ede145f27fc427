package fragmentation

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPRBS23(t *testing.T) {
	assert := require.New(t)

	// Starting from s = 1, b0 = 1, b1 = 0, out = (1>>1) | (1<<22) = 0x400000.
	assert.Equal(0x400000, prbs23(1))
}

func TestPRBS23Period(t *testing.T) {
	assert := require.New(t)

	x := 1
	seen := make(map[int]bool)
	for i := 0; i < (1<<23)-1; i++ {
		assert.NotEqual(0, x)
		assert.False(seen[x], "value repeated before the full period")
		seen[x] = true
		x = prbs23(x)
	}
	assert.Equal(1, x, "sequence must return to the seed after 2^23-1 steps")
}

func TestMatrixLine(t *testing.T) {
	assert := require.New(t)

	t.Run("deterministic", func(t *testing.T) {
		a := matrixLine(0, 4)
		b := matrixLine(0, 4)
		assert.Equal(a, b)
	})

	t.Run("popcount is at most floor(n/2)", func(t *testing.T) {
		// For n = 6, rows 0 and 4 draw a column twice and end up with 2
		// bits set; the other rows have exactly 3.
		for y := 0; y < 6; y++ {
			row := matrixLine(y, 6)
			var count int
			for _, b := range row {
				if b {
					count++
				}
			}
			assert.LessOrEqual(count, 3)
		}
	})
}

func TestNewFragmenter(t *testing.T) {
	assert := require.New(t)

	t.Run("rejects zero fragment size", func(t *testing.T) {
		_, err := NewFragmenter([]byte{1, 2, 3}, 0)
		assert.Error(err)
	})

	t.Run("rejects empty image", func(t *testing.T) {
		_, err := NewFragmenter(nil, 20)
		assert.Error(err)
	})

	t.Run("padding and fragment count", func(t *testing.T) {
		image := make([]byte, 45)
		for i := range image {
			image[i] = byte(i)
		}

		f, err := NewFragmenter(image, 20)
		assert.NoError(err)
		assert.Equal(3, f.NumFragments())
		assert.Equal(15, f.Padding())

		frags := f.Fragments()
		assert.Len(frags, 6)
		for _, frag := range frags {
			assert.Len(frag, 20)
		}
	})

	t.Run("coded fragments are the xor of the selected uncoded fragments", func(t *testing.T) {
		image := make([]byte, 100)
		for i := range image {
			image[i] = byte(i * 7)
		}

		f, err := NewFragmenter(image, 20)
		assert.NoError(err)

		n := f.NumFragments()
		frags := f.Fragments()
		uncoded := frags[:n]
		coded := frags[n:]

		for y := 0; y < n; y++ {
			row := matrixLine(y, n)
			want := make([]byte, 20)
			for x := 0; x < n; x++ {
				if row[x] {
					for b := range want {
						want[b] ^= uncoded[x][b]
					}
				}
			}
			assert.Equal(want, coded[y])
		}
	})

	t.Run("WriteTo writes U then C", func(t *testing.T) {
		image := []byte("hello world, this is a firmware image!!")
		f, err := NewFragmenter(image, 8)
		assert.NoError(err)

		var buf bytes.Buffer
		n, err := f.WriteTo(&buf)
		assert.NoError(err)

		frags := f.Fragments()
		var want int64
		for _, frag := range frags {
			want += int64(len(frag))
		}
		assert.Equal(want, n)
		assert.Equal(int(want), buf.Len())
		assert.Equal(bytes.Join(frags, nil), buf.Bytes())
	})
}
