package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is a single configuration problem in a form fit for a
// log line.
type CueErrorDetail struct {
	Path    string // transfers.marker_period
	Code    string // missing_required | unknown_field | type_mismatch | conflicting_values | invalid_enum | invalid_duration
	Message string
	Pos     CueErrorPosition
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
	reEnum        = regexp.MustCompile(`(?i)must be one of|expected one of`)
	reNoMatch     = regexp.MustCompile(`(?i)does not match`)
)

// fields holding ISO 8601 durations
var durationFields = map[string]struct{}{
	"transfers.timeout":       {},
	"transfers.marker_period": {},
	"history.retention":       {},
}

// CueErrDetails explains an error returned by LoadConfig. Errors coming
// from elsewhere produce a single validation_error entry.
func CueErrDetails(err error) []CueErrorDetail {
	details := humanize(err)
	if len(details) == 0 && err != nil {
		details = append(details, CueErrorDetail{
			Code:    "validation_error",
			Message: err.Error(),
			Raw:     err.Error(),
		})
	}
	return details
}

func humanize(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		raw, args := e.Msg()
		raw = fmt.Sprintf(raw, args...)
		path := normalizePath(e.Path())
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		code, msg := classify(raw, path)
		if _, ok := durationFields[path]; ok && code != "missing_required" && code != "unknown_field" {
			code = "invalid_duration"
			msg = fmt.Sprintf("Field %s must be an ISO 8601 duration like PT30S or P7D", last(path))
		}
		if values := enumStrings(lookup(schema, path)); len(values) > 1 {
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     raw,
		})
	}
	return out
}

// enumStrings lists the concrete string alternatives of a disjunction.
func enumStrings(v cue.Value) []string {
	if !v.Exists() {
		return nil
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil
	}
	var values []string
	for _, a := range args {
		if !a.IsConcrete() || a.Kind() != cue.StringKind {
			continue
		}
		if s, err := a.String(); err == nil {
			values = append(values, s)
		}
	}
	return values
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	field := last(path)
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", field)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", field)
	case reNoMatch.MatchString(raw):
		return "invalid_value", fmt.Sprintf("Field %s has invalid format", field)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", field)
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value", field)
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", field)
	default:
		return "validation_error", raw
	}
}

func lookup(root cue.Value, path string) cue.Value {
	if path == "" {
		return root
	}
	return root.LookupPath(cue.ParsePath(path))
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
