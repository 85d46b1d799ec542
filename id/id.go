// Package id defines prefix-tagged identifier types for the entities that
// appear in event payloads.
//
// Every identifier has the string form "prefix_value" where the prefix names
// the entity kind. The kind is part of the Go type, so a TenantID can never
// be passed where a UnitID is expected:
//
//	tenant, err := id.Parse[id.Tenant]("tenant_8f14e45f")
//	unit := id.New[id.Unit]()
//
// Identifiers are opaque. They support equality, parsing, formatting and
// text encoding (and therefore JSON) and nothing else.
package id

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalid is returned when a string is not a valid identifier of the
// requested kind.
var ErrInvalid = errors.New("id: invalid identifier")

const separator = "_"

// Namespace is implemented by the marker types that name an entity kind.
type Namespace interface {
	Prefix() string
}

// ID is an identifier of entity kind N. The zero value is the empty id.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receiver for UnmarshalText.
type ID[N Namespace] struct {
	value string
}

// New generates a new random identifier of kind N.
func New[N Namespace]() ID[N] {
	return ID[N]{value: strings.ReplaceAll(uuid.NewString(), "-", "")}
}

// From wraps an existing value as an identifier of kind N. The value must
// not be empty.
func From[N Namespace](value string) (ID[N], error) {
	if value == "" {
		return ID[N]{}, fmt.Errorf("%w: empty %s value", ErrInvalid, prefixOf[N]())
	}
	return ID[N]{value: value}, nil
}

// Parse parses the "prefix_value" form and checks the prefix against N.
func Parse[N Namespace](s string) (ID[N], error) {
	want := prefixOf[N]()

	prefix, value, ok := strings.Cut(s, separator)
	if !ok {
		return ID[N]{}, fmt.Errorf("%w: parse %q: missing %q separator", ErrInvalid, s, separator)
	}
	if prefix != want {
		return ID[N]{}, fmt.Errorf("%w: parse %q: expected prefix %q, got %q", ErrInvalid, s, want, prefix)
	}
	if value == "" {
		return ID[N]{}, fmt.Errorf("%w: parse %q: empty value", ErrInvalid, s)
	}
	return ID[N]{value: value}, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded values.
func MustParse[N Namespace](s string) ID[N] {
	parsed, err := Parse[N](s)
	if err != nil {
		panic(err)
	}
	return parsed
}

// String returns the "prefix_value" form, or "" for the zero id.
func (i ID[N]) String() string {
	if i.value == "" {
		return ""
	}
	return prefixOf[N]() + separator + i.value
}

// Value returns the id without its prefix.
func (i ID[N]) Value() string { return i.value }

// Prefix returns the namespace prefix of kind N.
func (i ID[N]) Prefix() string { return prefixOf[N]() }

// IsZero reports whether i is the empty id.
func (i ID[N]) IsZero() bool { return i.value == "" }

// MarshalText implements encoding.TextMarshaler.
func (i ID[N]) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields the
// zero id.
func (i *ID[N]) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = ID[N]{}
		return nil
	}
	parsed, err := Parse[N](string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func prefixOf[N Namespace]() string {
	var n N
	return n.Prefix()
}
