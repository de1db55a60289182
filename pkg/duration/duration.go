// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package duration represents non-negative walltimes, convertible between
// the scheduler-native "[D-]HH:MM:SS" form and a compact "1d2h3m" form
// used in directives and logs.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/qqbatch/qq/pkg/qerrors"
)

// Duration wraps a non-negative time.Duration truncated to whole seconds,
// the resolution every scheduler's walltime field supports.
type Duration struct {
	d time.Duration
}

// New builds a Duration from a non-negative time.Duration.
func New(d time.Duration) (Duration, error) {
	if d < 0 {
		return Duration{}, qerrors.Validation("duration must be non-negative, got %s", d)
	}
	return Duration{d: d.Truncate(time.Second)}, nil
}

var hhmmssPattern = regexp.MustCompile(`^(?:(\d+)-)?(\d{1,2}):(\d{2}):(\d{2})$`)

// ParseHHMMSS parses the scheduler walltime form "[D-]HH:MM:SS".
func ParseHHMMSS(s string) (Duration, error) {
	m := hhmmssPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Duration{}, qerrors.Validation("invalid HH:MM:SS duration: %q", s)
	}
	var days int64
	if m[1] != "" {
		days, _ = strconv.ParseInt(m[1], 10, 64)
	}
	hours, _ := strconv.ParseInt(m[2], 10, 64)
	minutes, _ := strconv.ParseInt(m[3], 10, 64)
	seconds, _ := strconv.ParseInt(m[4], 10, 64)

	total := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	return New(total)
}

var compactPattern = regexp.MustCompile(`^(\d+)([wdhms])`)

// ParseCompact parses the compact "NwNdNhNmNs" form.
func ParseCompact(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "0s" || s == "" {
		return Duration{}, nil
	}

	var total time.Duration
	remaining := s
	for len(remaining) > 0 {
		m := compactPattern.FindStringSubmatch(remaining)
		if m == nil {
			return Duration{}, qerrors.Validation("invalid compact duration: %q", s)
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return Duration{}, qerrors.Validation("invalid compact duration: %q", s)
		}
		switch m[2] {
		case "w":
			total += time.Duration(n) * 7 * 24 * time.Hour
		case "d":
			total += time.Duration(n) * 24 * time.Hour
		case "h":
			total += time.Duration(n) * time.Hour
		case "m":
			total += time.Duration(n) * time.Minute
		case "s":
			total += time.Duration(n) * time.Second
		}
		remaining = remaining[len(m[0]):]
	}
	return New(total)
}

// HHMMSS renders the duration as "[D-]HH:MM:SS", omitting the day prefix
// when zero.
func (d Duration) HHMMSS() string {
	total := int64(d.d / time.Second)
	days := total / 86400
	total %= 86400
	hours := total / 3600
	total %= 3600
	minutes := total / 60
	seconds := total % 60

	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// Compact renders the duration in non-zero-components-in-decreasing-order
// form, e.g. "1d2h3m", or "0s" for the empty duration.
func (d Duration) Compact() string {
	total := int64(d.d / time.Second)
	if total == 0 {
		return "0s"
	}

	weeks := total / (7 * 86400)
	total %= 7 * 86400
	days := total / 86400
	total %= 86400
	hours := total / 3600
	total %= 3600
	minutes := total / 60
	seconds := total % 60

	var b strings.Builder
	for _, part := range []struct {
		n    int64
		unit string
	}{
		{weeks, "w"}, {days, "d"}, {hours, "h"}, {minutes, "m"}, {seconds, "s"},
	} {
		if part.n > 0 {
			fmt.Fprintf(&b, "%d%s", part.n, part.unit)
		}
	}
	return b.String()
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return d.d
}

// IsZero reports whether the duration is exactly zero.
func (d Duration) IsZero() bool {
	return d.d == 0
}

// Equal reports whether two durations represent the same span.
func (d Duration) Equal(other Duration) bool {
	return d.d == other.d
}

// Less reports whether d is shorter than other.
func (d Duration) Less(other Duration) bool {
	return d.d < other.d
}

func (d Duration) String() string {
	return d.HHMMSS()
}

// MarshalYAML renders the duration in its HH:MM:SS form.
func (d Duration) MarshalYAML() (any, error) {
	return d.HHMMSS(), nil
}

// UnmarshalYAML parses the duration from its HH:MM:SS form.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	parsed, err := ParseHHMMSS(str)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
