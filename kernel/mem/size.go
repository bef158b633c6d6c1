// Package mem defines the memory size units and page geometry shared by the
// kernel memory management sub-systems.
package mem

import (
	"strconv"
	"strings"

	"github.com/rzel/magenta/kernel"
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

var errInvalidSize = &kernel.Error{Module: "mem", Message: "invalid memory size"}

// Pages returns the number of whole pages that fit in s.
func (s Size) Pages() uint64 {
	return uint64(s >> PageShift)
}

// String implements fmt.Stringer for Size. Sizes that are an exact multiple of
// a unit are printed using that unit's suffix.
func (s Size) String() string {
	switch {
	case s != 0 && s%Gb == 0:
		return strconv.FormatUint(uint64(s/Gb), 10) + "G"
	case s != 0 && s%Mb == 0:
		return strconv.FormatUint(uint64(s/Mb), 10) + "M"
	case s != 0 && s%Kb == 0:
		return strconv.FormatUint(uint64(s/Kb), 10) + "K"
	default:
		return strconv.FormatUint(uint64(s), 10)
	}
}

// ParseSize parses a size expressed as a decimal or 0x-prefixed number with
// an optional K, M or G suffix.
func ParseSize(str string) (Size, *kernel.Error) {
	var unit = Byte

	str = strings.TrimSpace(str)
	if len(str) > 0 && !strings.HasPrefix(str, "0x") {
		switch str[len(str)-1] {
		case 'k', 'K':
			unit = Kb
		case 'm', 'M':
			unit = Mb
		case 'g', 'G':
			unit = Gb
		}

		if unit != Byte {
			str = str[:len(str)-1]
		}
	}

	val, err := strconv.ParseUint(str, 0, 64)
	if err != nil || Size(val) > ^Size(0)/unit {
		return 0, errInvalidSize
	}

	return Size(val) * unit, nil
}
