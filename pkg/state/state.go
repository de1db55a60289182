// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package state derives a job's precise RealState by combining the
// NaiveState qq itself last wrote into the job record with the
// BatchState the scheduler currently reports — the two can disagree
// (a crashed Runner, a job the scheduler purged) and that disagreement
// is itself a reportable state, IN_AN_INCONSISTENT_STATE.
package state

import (
	"strings"

	"github.com/fatih/color"
)

// NaiveState is the state qq itself last recorded for a job, written
// only by the Runner.
type NaiveState int

const (
	NaiveUnknown NaiveState = iota
	NaiveQueued
	NaiveRunning
	NaiveFailed
	NaiveFinished
	NaiveKilled
)

var naiveNames = map[NaiveState]string{
	NaiveQueued:   "queued",
	NaiveRunning:  "running",
	NaiveFailed:   "failed",
	NaiveFinished: "finished",
	NaiveKilled:   "killed",
	NaiveUnknown:  "unknown",
}

func (s NaiveState) String() string {
	if name, ok := naiveNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseNaiveState parses a case-insensitive state name, returning
// NaiveUnknown for anything unrecognized.
func ParseNaiveState(s string) NaiveState {
	for state, name := range naiveNames {
		if strings.EqualFold(name, s) {
			return state
		}
	}
	return NaiveUnknown
}

// MarshalYAML renders the state by its lowercase name.
func (s NaiveState) MarshalYAML() (any, error) {
	return s.String(), nil
}

// UnmarshalYAML parses the state from its lowercase name.
func (s *NaiveState) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	*s = ParseNaiveState(str)
	return nil
}

// BatchState is the state a scheduler backend reports for a job.
type BatchState int

const (
	BatchUnknown BatchState = iota
	BatchRunning
	BatchQueued
	BatchFinished
	BatchFailed
	BatchHeld
	BatchExiting
	BatchWaiting
	BatchMoving
	BatchSuspended
)

var batchNames = map[BatchState]string{
	BatchRunning:   "running",
	BatchQueued:    "queued",
	BatchFinished:  "finished",
	BatchFailed:    "failed",
	BatchHeld:      "held",
	BatchExiting:   "exiting",
	BatchWaiting:   "waiting",
	BatchMoving:    "moving",
	BatchSuspended: "suspended",
	BatchUnknown:   "unknown",
}

// codeToBatchState maps the one-letter codes PBS/Slurm report for a job
// onto BatchState.
var codeToBatchState = map[string]BatchState{
	"E": BatchExiting,
	"H": BatchHeld,
	"Q": BatchQueued,
	"R": BatchRunning,
	"T": BatchMoving,
	"W": BatchWaiting,
	"S": BatchSuspended,
	"F": BatchFinished,
	"X": BatchFailed,
}

func (s BatchState) String() string {
	if name, ok := batchNames[s]; ok {
		return name
	}
	return "unknown"
}

// BatchStateFromCode converts a one-letter scheduler status code to a
// BatchState, returning BatchUnknown for an unrecognized code.
func BatchStateFromCode(code string) BatchState {
	if s, ok := codeToBatchState[strings.ToUpper(code)]; ok {
		return s
	}
	return BatchUnknown
}

// Code returns the one-letter scheduler status code for s, or "?" if s
// has none.
func (s BatchState) Code() string {
	for code, state := range codeToBatchState {
		if state == s {
			return code
		}
	}
	return "?"
}

// RealState is the precise, consumer-facing job state derived by
// combining a NaiveState with a BatchState.
type RealState int

const (
	RealQueued RealState = iota
	RealHeld
	RealSuspended
	RealWaiting
	RealRunning
	RealBooting
	RealKilled
	RealFailed
	RealFinished
	RealExiting
	RealInconsistent
	RealUnknown
)

var realNames = map[RealState]string{
	RealQueued:       "queued",
	RealHeld:         "held",
	RealSuspended:    "suspended",
	RealWaiting:      "waiting",
	RealRunning:      "running",
	RealBooting:      "booting",
	RealKilled:       "killed",
	RealFailed:       "failed",
	RealFinished:     "finished",
	RealExiting:      "exiting",
	RealInconsistent: "in an inconsistent state",
	RealUnknown:      "unknown",
}

func (s RealState) String() string {
	if name, ok := realNames[s]; ok {
		return name
	}
	return "unknown"
}

// realColors maps each RealState to the terminal color qq's CLI presents
// it in, mirroring original_source's JOBS_PRESENTER_*_COLOR palette.
var realColors = map[RealState]color.Attribute{
	RealQueued:       color.FgHiMagenta,
	RealHeld:         color.FgHiMagenta,
	RealSuspended:    color.FgHiBlack,
	RealWaiting:      color.FgHiMagenta,
	RealRunning:      color.FgHiBlue,
	RealBooting:      color.FgHiCyan,
	RealKilled:       color.FgHiRed,
	RealFailed:       color.FgHiRed,
	RealFinished:     color.FgHiGreen,
	RealExiting:      color.FgHiYellow,
	RealInconsistent: color.FgWhite,
	RealUnknown:      color.FgWhite,
}

// Color returns the *color.Color a CLI presenter should use to render s.
func (s RealState) Color() *color.Color {
	attr, ok := realColors[s]
	if !ok {
		attr = color.FgWhite
	}
	return color.New(attr)
}

// Colorize renders text in s's presentation color.
func (s RealState) Colorize(text string) string {
	return s.Color().Sprint(text)
}

// FromStates derives the RealState implied by naive and batch, per the
// job-state combination table: a terminal NaiveState still reported as
// BatchRunning means the Runner is mid-exit (RealExiting); a terminal
// NaiveState contradicted by a non-terminal BatchState (still queued or
// held, say) means the record and the scheduler disagree
// (RealInconsistent) — most often a qqinfo file left behind by a Runner
// that never got to update it.
func FromStates(naive NaiveState, batch BatchState) RealState {
	if naive == NaiveUnknown {
		return RealUnknown
	}

	switch naive {
	case NaiveQueued:
		switch batch {
		case BatchQueued, BatchMoving:
			return RealQueued
		case BatchHeld:
			return RealHeld
		case BatchSuspended:
			return RealSuspended
		case BatchWaiting:
			return RealWaiting
		case BatchRunning:
			return RealBooting
		default:
			return RealInconsistent
		}

	case NaiveRunning:
		switch batch {
		case BatchRunning:
			return RealRunning
		case BatchSuspended:
			return RealSuspended
		default:
			return RealInconsistent
		}

	case NaiveKilled:
		if batch == BatchRunning {
			return RealExiting
		}
		return RealKilled

	case NaiveFinished:
		switch batch {
		case BatchRunning:
			return RealExiting
		case BatchQueued, BatchWaiting, BatchHeld, BatchFailed:
			return RealInconsistent
		default:
			return RealFinished
		}

	case NaiveFailed:
		switch batch {
		case BatchRunning:
			return RealExiting
		case BatchQueued, BatchWaiting, BatchHeld, BatchFinished:
			return RealInconsistent
		default:
			return RealFailed
		}
	}

	return RealUnknown
}
