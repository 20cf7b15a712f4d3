// Package diag accumulates structured issues for one load operation.
//
// The parser and the load pipeline report everything they detect here; the
// caller decides which severities abort the operation. The first error-level
// issue is what a failed load ultimately returns.
package diag

import (
	"fmt"
	"strings"
)

type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Issue is one recorded diagnostic.
type Issue struct {
	Severity Severity
	Err      error
}

// Diagnostics collects issues for a single operation. The zero value is ready
// to use. Not safe for concurrent use; each load operation owns its own.
type Diagnostics struct {
	issues []Issue
	first  error
}

// Warningf records a non-fatal issue.
func (d *Diagnostics) Warningf(format string, args ...any) {
	d.issues = append(d.issues, Issue{Severity: SeverityWarning, Err: fmt.Errorf(format, args...)})
}

// Errorf records a fatal issue and returns it so call sites can report and
// propagate in one line.
func (d *Diagnostics) Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return d.Error(err)
}

// Error records an already-built fatal issue and returns it.
func (d *Diagnostics) Error(err error) error {
	d.issues = append(d.issues, Issue{Severity: SeverityError, Err: err})
	if d.first == nil {
		d.first = err
	}
	return err
}

// HasError reports whether any error-level issue was recorded.
func (d *Diagnostics) HasError() bool {
	return d.first != nil
}

// Err returns the first error-level issue, or nil.
func (d *Diagnostics) Err() error {
	return d.first
}

// Issues returns every recorded issue in order.
func (d *Diagnostics) Issues() []Issue {
	out := make([]Issue, len(d.issues))
	copy(out, d.issues)
	return out
}

// Warnings returns the messages of all warning-level issues.
func (d *Diagnostics) Warnings() []string {
	var out []string
	for _, issue := range d.issues {
		if issue.Severity == SeverityWarning {
			out = append(out, issue.Err.Error())
		}
	}
	return out
}

// String renders every issue, one per line, for logs and test failures.
func (d *Diagnostics) String() string {
	if len(d.issues) == 0 {
		return "no issues"
	}
	var b strings.Builder
	for i, issue := range d.issues {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %v", issue.Severity, issue.Err)
	}
	return b.String()
}
