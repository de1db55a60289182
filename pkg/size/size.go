// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package size represents memory and disk quantities the way resource
// directives and scheduler backends express them: an integer value paired
// with a kb/mb/gb unit, normalized to the largest unit that keeps the
// value >= 1. Internally a Size always holds a whole number of kibibytes
// (1 KiB is the smallest representable non-zero quantity); Bytes exposes
// that count in bytes, per the raw unit qq's wire format uses.
package size

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/qqbatch/qq/pkg/qerrors"
)

// unitKiB maps a unit name to how many kibibytes it contains.
var unitKiB = map[string]int64{
	"kb": 1,
	"mb": 1024,
	"gb": 1024 * 1024,
}

// unitsLargestFirst lists units from largest to smallest, for normalizing
// a raw kibibyte count to the most readable unit.
var unitsLargestFirst = []string{"gb", "mb", "kb"}

var sizePattern = regexp.MustCompile(`^\s*(\d+)\s*([a-zA-Z]+)\s*$`)

// Size is an immutable, normalized size value.
type Size struct {
	value int64
	unit  string
	kib   int64
}

// New builds a Size from a value in the given unit ("kb", "mb", "gb"),
// normalizing it to the largest unit that keeps the displayed value >= 1.
func New(value int64, unit string) (Size, error) {
	unit = strings.ToLower(unit)
	factor, ok := unitKiB[unit]
	if !ok {
		return Size{}, qerrors.Validation("unsupported unit for size: %q", unit)
	}
	return fromKiB(value * factor), nil
}

// Parse builds a Size from a string such as "10mb" or "10 mb".
func Parse(s string) (Size, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return Size{}, qerrors.Validation("invalid size string: %q", s)
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Size{}, qerrors.Validation("invalid size string: %q", s)
	}
	return New(v, strings.ToLower(m[2]))
}

// fromKiB normalizes a raw kibibyte count to the largest unit whose value
// is >= 1, falling back to 1 KiB for anything smaller.
func fromKiB(kib int64) Size {
	for _, unit := range unitsLargestFirst {
		factor := unitKiB[unit]
		if kib >= factor {
			return Size{value: int64(math.Ceil(float64(kib) / float64(factor))), unit: unit, kib: kib}
		}
	}
	return Size{value: 1, unit: "kb", kib: 1}
}

// Bytes returns the size expressed in bytes.
func (s Size) Bytes() int64 {
	return s.kib * 1024
}

// KiB returns the size expressed in kibibytes.
func (s Size) KiB() int64 {
	return s.kib
}

// Value returns the normalized numeric value in Unit().
func (s Size) Value() int64 {
	return s.value
}

// Unit returns the normalized unit ("kb", "mb", or "gb").
func (s Size) Unit() string {
	return s.unit
}

// IsZero reports whether the size is exactly zero.
func (s Size) IsZero() bool {
	return s.kib == 0
}

// Mul returns s scaled by n. Scaling to zero still normalizes to the
// smallest representable size, 1 KiB, matching how a Size can never
// express an absence of space.
func (s Size) Mul(n int64) Size {
	return fromKiB(s.kib * n)
}

// FloorDiv returns s divided by n, rounded up to the next whole kibibyte
// (ceiling division, matching how a resource is never under-allocated
// when split across n equal shares).
func (s Size) FloorDiv(n int64) (Size, error) {
	if n == 0 {
		return Size{}, qerrors.Validation("division of size by zero")
	}
	kib := int64(math.Ceil(float64(s.kib) / float64(n)))
	return fromKiB(kib), nil
}

// Ratio returns the ratio of s to other, expressed as a float.
func (s Size) Ratio(other Size) (float64, error) {
	if other.kib == 0 {
		return 0, qerrors.Validation("division by zero size")
	}
	return float64(s.kib) / float64(other.kib), nil
}

// Equal reports whether two sizes represent the same quantity.
func (s Size) Equal(other Size) bool {
	return s.kib == other.kib
}

// Less reports whether s represents fewer bytes than other.
func (s Size) Less(other Size) bool {
	return s.kib < other.kib
}

func (s Size) String() string {
	return fmt.Sprintf("%d%s", s.value, s.unit)
}

// MarshalYAML renders the size in its normalized string form.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

// UnmarshalYAML parses the size from its string form.
func (s *Size) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	parsed, err := Parse(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
