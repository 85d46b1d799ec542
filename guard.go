package dispatcher

import (
	"errors"
	"fmt"
	"strings"
)

// Guard is a cheap shape check run against a message body before its
// payload is decoded. A non-nil error rejects the message as malformed.
type Guard interface {
	Check(v View) error
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(v View) error

// Check implements Guard.
func (f GuardFunc) Check(v View) error { return f(v) }

// RequireFields returns a Guard that passes when all paths exist.
func RequireFields(paths ...string) Guard {
	return requireFields{paths: paths}
}

type requireFields struct {
	paths []string
}

func (g requireFields) Check(v View) error {
	var missing []string
	for _, p := range g.paths {
		if !v.HasField(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// FieldEquals returns a Guard that passes when the path holds exactly the
// given string value.
func FieldEquals(path, value string) Guard {
	return fieldEquals{path: path, value: value}
}

type fieldEquals struct {
	path  string
	value string
}

func (g fieldEquals) Check(v View) error {
	s, ok := v.GetString(g.path)
	if !ok {
		return fmt.Errorf("field %s: not a string", g.path)
	}
	if s != g.value {
		return fmt.Errorf("field %s: got %q, want %q", g.path, s, g.value)
	}
	return nil
}

// FieldPrefix returns a Guard that passes when the path holds a string
// starting with prefix. Useful for prefix-tagged identifiers.
func FieldPrefix(path, prefix string) Guard {
	return fieldPrefix{path: path, prefix: prefix}
}

type fieldPrefix struct {
	path   string
	prefix string
}

func (g fieldPrefix) Check(v View) error {
	s, ok := v.GetString(g.path)
	if !ok {
		return fmt.Errorf("field %s: not a string", g.path)
	}
	if !strings.HasPrefix(s, g.prefix) {
		return fmt.Errorf("field %s: %q lacks prefix %q", g.path, s, g.prefix)
	}
	return nil
}

// All returns a Guard that passes when every guard passes. Failures are
// joined.
func All(gs ...Guard) Guard {
	return all{gs: gs}
}

type all struct {
	gs []Guard
}

func (g all) Check(v View) error {
	var errs []error
	for _, guard := range g.gs {
		if err := guard.Check(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Any returns a Guard that passes when at least one guard passes. With no
// guards it always fails.
func Any(gs ...Guard) Guard {
	return anyOf{gs: gs}
}

type anyOf struct {
	gs []Guard
}

func (g anyOf) Check(v View) error {
	errs := make([]error, 0, len(g.gs))
	for _, guard := range g.gs {
		err := guard.Check(v)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("no guard matched")
	}
	return fmt.Errorf("no guard matched: %w", errors.Join(errs...))
}
