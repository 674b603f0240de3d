// Package stripe splits object content into equal-size data fragments plus a
// single XOR parity fragment, and reassembles content from data fragments.
//
// The codec never relies on trailing padding to find the end of the real
// content. The number of real bytes in every data fragment is returned as a
// length table which the caller stores out of band and hands back to Decode.
package stripe

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDiskCount = errors.New("disk count must be at least 2")
	ErrSizeMismatch     = errors.New("fragment size mismatch")
	ErrLengthTable      = errors.New("invalid length table")
)

// Stripe is the encoded form of one object.
type Stripe struct {
	// Data holds the N-1 physical data fragments, all of the same size.
	Data [][]byte
	// Parity is the XOR of all data fragments.
	Parity []byte
	// Lengths holds the number of real (non-padding) bytes in each data
	// fragment.
	Lengths []int64
}

// PhysicalSize returns the physical size shared by every fragment of the stripe.
func (s Stripe) PhysicalSize() int64 {
	return int64(len(s.Parity))
}

// Fragments returns all N fragments in disk order, parity last.
func (s Stripe) Fragments() [][]byte {
	out := make([][]byte, 0, len(s.Data)+1)
	out = append(out, s.Data...)
	return append(out, s.Parity)
}

// FragmentLengths returns the number of real bytes each of dataCount data
// fragments receives for content of the given size: the first size%dataCount
// fragments get one byte more than the rest.
func FragmentLengths(size int64, dataCount int) []int64 {
	lengths := make([]int64, dataCount)
	if dataCount <= 0 || size <= 0 {
		return lengths
	}

	base := size / int64(dataCount)
	rem := size % int64(dataCount)
	for i := range lengths {
		lengths[i] = base
		if int64(i) < rem {
			lengths[i]++
		}
	}
	return lengths
}

// PhysicalSize returns the padded fragment size for content of the given
// size split across dataCount data fragments. Empty content has zero-length
// fragments.
func PhysicalSize(size int64, dataCount int) int64 {
	if dataCount <= 0 || size <= 0 {
		return 0
	}
	return size/int64(dataCount) + 1
}

// Encode splits content into diskCount-1 data fragments and computes the
// parity fragment.
func Encode(content []byte, diskCount int) (Stripe, error) {
	if diskCount < 2 {
		return Stripe{}, fmt.Errorf("%w: got %d", ErrInvalidDiskCount, diskCount)
	}

	dataCount := diskCount - 1
	size := int64(len(content))
	lengths := FragmentLengths(size, dataCount)
	physical := PhysicalSize(size, dataCount)

	data := make([][]byte, dataCount)
	var offset int64
	for i, n := range lengths {
		frag := make([]byte, physical)
		copy(frag, content[offset:offset+n])
		data[i] = frag
		offset += n
	}

	parity, err := XOR(data...)
	if err != nil {
		return Stripe{}, err
	}

	return Stripe{Data: data, Parity: parity, Lengths: lengths}, nil
}

// Decode concatenates the real bytes of every data fragment, in order.
func Decode(data [][]byte, lengths []int64) ([]byte, error) {
	if len(data) != len(lengths) {
		return nil, fmt.Errorf("%w: %d fragments, %d lengths", ErrLengthTable, len(data), len(lengths))
	}

	var total int64
	for i, n := range lengths {
		if n < 0 || n > int64(len(data[i])) {
			return nil, fmt.Errorf("%w: fragment %d has %d bytes, table says %d", ErrLengthTable, i, len(data[i]), n)
		}
		total += n
	}

	content := make([]byte, 0, total)
	for i, n := range lengths {
		content = append(content, data[i][:n]...)
	}
	return content, nil
}

// XOR returns the byte-wise XOR of fragments, which must all have the same
// length. The result does not depend on argument order.
func XOR(fragments ...[]byte) ([]byte, error) {
	if len(fragments) == 0 {
		return []byte{}, nil
	}

	size := len(fragments[0])
	out := make([]byte, size)
	for i, frag := range fragments {
		if len(frag) != size {
			return nil, fmt.Errorf("%w: fragment %d has %d bytes, expected %d", ErrSizeMismatch, i, len(frag), size)
		}
		for j, b := range frag {
			out[j] ^= b
		}
	}
	return out, nil
}

// ValidateLengths checks a stored length table against the object size and
// the physical size of its data fragments.
func ValidateLengths(lengths []int64, size int64, physical int64) error {
	var total int64
	for i, n := range lengths {
		if n < 0 || n > physical {
			return fmt.Errorf("%w: fragment %d claims %d of %d bytes", ErrLengthTable, i, n, physical)
		}
		total += n
	}

	if total != size {
		return fmt.Errorf("%w: lengths sum to %d, object size is %d", ErrLengthTable, total, size)
	}
	return nil
}
