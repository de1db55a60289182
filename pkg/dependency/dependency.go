// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package dependency models job-to-job scheduling dependencies
// ("run after job X finishes"), parsed from directive strings and
// rendered by each batch backend into its own native syntax.
package dependency

import (
	"regexp"
	"strings"

	"github.com/qqbatch/qq/pkg/qerrors"
)

// Kind is the relationship a Dependency expresses to its referenced jobs.
type Kind string

const (
	// After requires the referenced jobs to have started.
	After Kind = "after"
	// AfterOK requires the referenced jobs to have finished successfully.
	AfterOK Kind = "afterok"
	// AfterNotOK requires the referenced jobs to have finished
	// unsuccessfully.
	AfterNotOK Kind = "afternotok"
	// AfterAny requires the referenced jobs to have finished, regardless
	// of outcome.
	AfterAny Kind = "afterany"
)

var validKinds = map[Kind]bool{
	After: true, AfterOK: true, AfterNotOK: true, AfterAny: true,
}

// Dependency ties a job's start to the completion state of one or more
// other jobs.
type Dependency struct {
	Kind   Kind
	JobIDs []string
}

var splitDependencies = regexp.MustCompile(`[,\s\n]+`)

// ParseDependencies splits a directive value containing one or more
// comma/space/newline-separated "<kind>=<id>[:<id>...]" dependency
// expressions and parses each.
func ParseDependencies(s string) ([]Dependency, error) {
	var deps []Dependency
	for _, field := range splitDependencies.Split(strings.TrimSpace(s), -1) {
		if field == "" {
			continue
		}
		dep, err := ParseDependency(field)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// ParseDependency parses a single "<kind>=<id>[:<id>...]" expression.
func ParseDependency(s string) (Dependency, error) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return Dependency{}, qerrors.Validation("invalid dependency expression: %q", s)
	}

	kind := Kind(strings.ToLower(parts[0]))
	if !validKinds[kind] {
		return Dependency{}, qerrors.Validation("unsupported dependency kind: %q", parts[0])
	}

	ids := strings.Split(parts[1], ":")
	var jobIDs []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			jobIDs = append(jobIDs, id)
		}
	}
	if len(jobIDs) == 0 {
		return Dependency{}, qerrors.Validation("dependency %q names no job IDs", s)
	}

	return Dependency{Kind: kind, JobIDs: jobIDs}, nil
}

// String renders the dependency back into "<kind>=<id>[:<id>...]" form.
func (d Dependency) String() string {
	return string(d.Kind) + "=" + strings.Join(d.JobIDs, ":")
}

// MarshalYAML renders the dependency in its string form.
func (d Dependency) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML parses the dependency from its string form.
func (d *Dependency) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	parsed, err := ParseDependency(str)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
