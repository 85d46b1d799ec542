package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
)

// validatable is implemented by payloads with a Validate() error method,
// checked after decoding.
type validatable interface {
	Validate() error
}

// Definition is one entry in the event schema registry. It binds a
// discriminator value, a decoder and a route rule to the same payload type.
// Create definitions with Define or DefineFunc.
type Definition struct {
	typ     string
	goType  string
	signal  string
	guard   Guard
	decode  func(raw []byte) (Event, error)
	route   func(e Event) (Locator, error)
	invalid error
}

// Type returns the discriminator value the definition is registered under.
func (d Definition) Type() string { return d.typ }

// PayloadType returns the Go type name of the definition's payload.
func (d Definition) PayloadType() string { return d.goType }

// DefineOption configures a Definition.
type DefineOption func(*Definition)

// WithSignalName sets the signal name used when the route rule leaves
// Locator.SignalName empty. The default is the event type.
func WithSignalName(name string) DefineOption {
	return func(d *Definition) {
		d.signal = name
	}
}

// WithGuard sets a shape check run on the raw body before decoding.
func WithGuard(g Guard) DefineOption {
	return func(d *Definition) {
		d.guard = g
	}
}

// Define creates a Definition for payload type T decoded from JSON. The
// payload is validated after decoding if it implements Validate() error.
//
// Example:
//
//	dispatcher.Define(func(e DailyTrigger) (dispatcher.Locator, error) {
//	    return dispatcher.Locator{WorkflowID: "unit/" + e.UnitID.String()}, nil
//	}, dispatcher.WithSignalName("dailyTrigger"))
func Define[T Event](route func(T) (Locator, error), opts ...DefineOption) Definition {
	return DefineFunc(decodeJSON[T], route, opts...)
}

// DefineFunc creates a Definition for payload type T with a custom decoder.
func DefineFunc[T Event](decode func(raw []byte) (T, error), route func(T) (Locator, error), opts ...DefineOption) Definition {
	var zero T
	d := Definition{goType: reflect.TypeFor[T]().String()}
	if reflect.TypeFor[T]().Kind() == reflect.Interface {
		d.invalid = errors.New("payload type must be concrete")
		return d
	}

	typ := zero.EventType()
	d.typ = typ
	d.signal = typ
	for _, opt := range opts {
		opt(&d)
	}

	switch {
	case decode == nil:
		d.invalid = errors.New("nil decoder")
	case route == nil:
		d.invalid = errors.New("nil route rule")
	}

	d.decode = func(raw []byte) (Event, error) {
		payload, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if got := payload.EventType(); got != typ {
			return nil, fmt.Errorf("decoded %s reports type %q", d.goType, got)
		}
		return payload, nil
	}

	d.route = func(e Event) (Locator, error) {
		payload, ok := e.(T)
		if !ok {
			return Locator{}, fmt.Errorf("route %s: payload is %T, want %s", typ, e, d.goType)
		}
		return route(payload)
	}

	return d
}

func decodeJSON[T Event](raw []byte) (T, error) {
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, err
	}

	if v, ok := any(data).(validatable); ok {
		if err := v.Validate(); err != nil {
			return data, fmt.Errorf("validate: %w", err)
		}
	} else if v, ok := any(&data).(validatable); ok {
		if err := v.Validate(); err != nil {
			return data, fmt.Errorf("validate: %w", err)
		}
	}

	return data, nil
}

// Registry is the frozen set of event definitions known to a process.
// It is safe for concurrent use.
type Registry struct {
	defs  map[string]Definition
	types []string
}

// Build assembles definitions into a Registry. It fails with
// ErrDuplicateEventType when two definitions share a type and with
// ErrInvalidDefinition when a definition has an empty type, no decoder or
// no route rule.
func Build(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}

	var errs []error
	for _, d := range defs {
		switch {
		case d.typ == "":
			errs = append(errs, fmt.Errorf("%w: %s has an empty event type", ErrInvalidDefinition, d.goType))
			continue
		case d.invalid != nil:
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalidDefinition, d.typ, d.invalid))
			continue
		case d.decode == nil || d.route == nil:
			errs = append(errs, fmt.Errorf("%w: %s was not created with Define", ErrInvalidDefinition, d.goType))
			continue
		}

		if prev, ok := r.defs[d.typ]; ok {
			errs = append(errs, fmt.Errorf("%w: %q declared by %s and %s", ErrDuplicateEventType, d.typ, prev.goType, d.goType))
			continue
		}
		r.defs[d.typ] = d
		r.types = append(r.types, d.typ)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	slices.Sort(r.types)
	return r, nil
}

// MustBuild is like Build but panics on error. Use it for definition lists
// fixed at compile time.
func MustBuild(defs ...Definition) *Registry {
	r, err := Build(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the definition registered for typ.
func (r *Registry) Lookup(typ string) (Definition, bool) {
	d, ok := r.defs[typ]
	return d, ok
}

// Types returns the registered event types in sorted order.
func (r *Registry) Types() []string {
	return slices.Clone(r.types)
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int { return len(r.defs) }
