package pack

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EncodeValue renders the (offset, length) span of a record as a content
// index value.
func EncodeValue(offset, length int64) []byte {
	return []byte(fmt.Sprintf("%d %d", offset, length))
}

// ParseValue is the inverse of EncodeValue.
func ParseValue(v []byte) (offset, length int64, err error) {
	fields := strings.Fields(string(v))
	if len(fields) != 2 {
		return 0, 0, errors.Wrapf(ErrCorrupted, "index value %q is not an offset and a length", v)
	}
	offset, err = strconv.ParseInt(fields[0], 10, 64)
	if err == nil {
		length, err = strconv.ParseInt(fields[1], 10, 64)
	}
	if err != nil {
		return 0, 0, errors.Wrapf(ErrCorrupted, "index value %q: %v", v, err)
	}
	return offset, length, nil
}

// Sizes is the byte-size tuple recorded for a pack in pack-names: one size
// per index file in canonical kind order, then the pack blob size.
type Sizes struct {
	Index []int64
	Pack  int64
}

// Encode renders the tuple as space-separated ASCII decimals.
func (s Sizes) Encode() []byte {
	parts := make([]string, 0, len(s.Index)+1)
	for _, n := range s.Index {
		parts = append(parts, strconv.FormatInt(n, 10))
	}
	parts = append(parts, strconv.FormatInt(s.Pack, 10))
	return []byte(strings.Join(parts, " "))
}

// ParseSizes is the inverse of Encode for a repository with the given
// number of kinds.
func ParseSizes(v []byte, kinds int) (Sizes, error) {
	fields := strings.Fields(string(v))
	if len(fields) != kinds+1 {
		return Sizes{}, errors.Errorf("pack-names value %q has %d fields, want %d", v, len(fields), kinds+1)
	}
	var s Sizes
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil || n < 0 {
			return Sizes{}, errors.Errorf("pack-names value %q: bad size %q", v, f)
		}
		if i < kinds {
			s.Index = append(s.Index, n)
		} else {
			s.Pack = n
		}
	}
	return s, nil
}
