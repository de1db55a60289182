// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package pbs

import "strings"

// PBSDateFormat is the reference-time layout PBS uses in qstat -f dumps
// ("Mon Jan 2 15:04:05 2006").
const PBSDateFormat = "Mon Jan 2 15:04:05 2006"

// parseDump parses the output of a "qstat -f" style command into one
// dictionary per entity block. An entity block starts with a line of the
// form "<header>: <name>" (e.g. "Job Id: 123.server", "Queue: default")
// and is followed by "    key = value" lines, optionally continued on
// subsequent lines indented further still (PBS wraps long values at a
// fixed column and indents continuations with extra spaces).
//
// header selects which block-start lines to treat as a new entity; pass
// "" to treat every non-indented, non-continuation line as a new block
// header (used for "pbsnodes -a", where node blocks are headed just by
// the node name with no "Label: " prefix).
func parseDump(output string, header string) []dumpEntry {
	var entries []dumpEntry

	var current *dumpEntry
	var lastKey string

	lines := strings.Split(output, "\n")
	for _, raw := range lines {
		if strings.TrimSpace(raw) == "" {
			continue
		}

		if isBlockStart(raw, header) {
			name := blockName(raw, header)
			entries = append(entries, dumpEntry{Name: name, Fields: map[string]string{}})
			current = &entries[len(entries)-1]
			lastKey = ""
			continue
		}

		if current == nil {
			continue
		}

		trimmed := strings.TrimLeft(raw, " \t")
		if key, value, ok := splitKeyValue(trimmed); ok {
			current.Fields[key] = value
			lastKey = key
			continue
		}

		// continuation of the previous value (PBS wraps long lines)
		if lastKey != "" {
			current.Fields[lastKey] += strings.TrimSpace(raw)
		}
	}

	return entries
}

type dumpEntry struct {
	Name   string
	Fields map[string]string
}

func isBlockStart(line, header string) bool {
	if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
		return false
	}
	if header == "" {
		return strings.TrimSpace(line) != ""
	}
	return strings.HasPrefix(line, header+": ")
}

func blockName(line, header string) string {
	if header == "" {
		return strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.TrimPrefix(line, header+": "))
}

func splitKeyValue(line string) (string, string, bool) {
	idx := strings.Index(line, " = ")
	if idx < 0 {
		return "", "", false
	}
	return line[:idx], line[idx+3:], true
}
