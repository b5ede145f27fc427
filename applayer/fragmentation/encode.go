package fragmentation

import (
	"io"

	"github.com/pkg/errors"
)

// Fragmenter splits an image into equal-size uncoded fragments and
// generates an equal-count block of XOR-coded fragments using a
// deterministic pseudo-random generator matrix. It is immutable once
// constructed.
type Fragmenter struct {
	fragSize int
	padding  int
	uncoded  [][]byte
	coded    [][]byte
}

// NewFragmenter constructs a Fragmenter from the given image bytes and
// fragment size. The final uncoded fragment is right-padded with zero
// bytes; Padding reports how many were added.
func NewFragmenter(image []byte, fragSize int) (*Fragmenter, error) {
	if fragSize <= 0 {
		return nil, errors.New("fragmentation: fragment-size must be > 0")
	}
	if len(image) == 0 {
		return nil, errors.New("fragmentation: image must not be empty")
	}

	f := &Fragmenter{
		fragSize: fragSize,
	}

	for offset := 0; offset < len(image); offset += fragSize {
		end := offset + fragSize
		if end > len(image) {
			end = len(image)
		}
		frag := make([]byte, fragSize)
		copy(frag, image[offset:end])
		f.uncoded = append(f.uncoded, frag)

		if end < offset+fragSize {
			f.padding = (offset + fragSize) - end
		}
	}

	n := len(f.uncoded)
	for y := 0; y < n; y++ {
		row := matrixLine(y, n)

		s := make([]byte, fragSize)
		for x := 0; x < n; x++ {
			if row[x] {
				for b := 0; b < fragSize; b++ {
					s[b] ^= f.uncoded[x][b]
				}
			}
		}
		f.coded = append(f.coded, s)
	}

	return f, nil
}

// Padding returns the number of zero bytes appended to the last uncoded fragment.
func (f *Fragmenter) Padding() int {
	return f.padding
}

// NumFragments returns N, the number of uncoded (and coded) fragments.
func (f *Fragmenter) NumFragments() int {
	return len(f.uncoded)
}

// Fragments returns the transmitted sequence: U[0..N-1] followed by C[0..N-1].
func (f *Fragmenter) Fragments() [][]byte {
	out := make([][]byte, 0, len(f.uncoded)+len(f.coded))
	out = append(out, f.uncoded...)
	out = append(out, f.coded...)
	return out
}

// WriteTo writes the concatenation of the uncoded and coded fragments to w.
func (f *Fragmenter) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, frag := range f.Fragments() {
		written, err := w.Write(frag)
		n += int64(written)
		if err != nil {
			return n, errors.Wrap(err, "fragmentation: write fragment error")
		}
	}
	return n, nil
}

// prbs23 advances a 23-bit maximal-length LFSR by one step.
func prbs23(x int) int {
	b0 := x & 1
	b1 := (x & 32) / 32
	return (x / 2) + (b0^b1)*(1<<22)
}

func isPower2(n int) bool {
	return n != 0 && (n&(n-1)) == 0
}

// matrixLine returns row y of the N x N generator matrix, as used to
// select which uncoded fragments XOR into coded fragment y. The pair
// (y, n) fully determines the row; it is a pure function with no
// external state.
//
// A column may be selected more than once by the underlying PRNG, in
// which case the returned row has fewer than floor(n/2) bits set. This
// mirrors the reference implementation this server was ported from and
// is preserved for wire compatibility; see DESIGN.md.
func matrixLine(y, n int) []bool {
	line := make([]bool, n)

	pow2 := 0
	if isPower2(n) {
		pow2 = 1
	}

	x := 1 + 1001*(y+1)

	for nbCoeff := 0; nbCoeff < n/2; nbCoeff++ {
		r := 1 << 16
		for r >= n {
			x = prbs23(x)
			r = x % (n + pow2)
		}
		line[r] = true
	}

	return line
}
