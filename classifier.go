package dispatcher

// Classifier matches raw messages against a Registry and decodes them into
// typed events. It has no side effects and is safe for concurrent use.
type Classifier struct {
	registry      *Registry
	inspector     Inspector
	discriminator string
}

// NewClassifier creates a Classifier over the given registry. It honors
// WithInspector and WithDiscriminatorField.
func NewClassifier(registry *Registry, opts ...Option) *Classifier {
	o := newOptions(opts)
	return &Classifier{
		registry:      registry,
		inspector:     o.inspector,
		discriminator: o.discriminator,
	}
}

// Classify decodes raw into a TypedEvent.
//
// The classification flow:
//  1. Inspect the body; a body that cannot be inspected is malformed
//  2. Read the discriminator; a missing or non-string value is unknown
//  3. Look up the definition; an unregistered type is unknown
//  4. Run the definition's guard, then its decoder; failures are malformed
//
// Errors wrap ErrUnknownEventType or ErrMalformedPayload. Neither is worth
// retrying: the same bytes classify the same way until code or config
// changes.
func (c *Classifier) Classify(raw RawMessage) (TypedEvent, error) {
	view, err := c.inspector.Inspect(raw.Body)
	if err != nil {
		return TypedEvent{}, &classifyError{kind: ErrMalformedPayload, err: err}
	}

	typ, ok := view.GetString(c.discriminator)
	if !ok || typ == "" {
		return TypedEvent{}, &classifyError{kind: ErrUnknownEventType, err: errMissingDiscriminator(c.discriminator)}
	}

	def, found := c.registry.Lookup(typ)
	if !found {
		return TypedEvent{}, &classifyError{kind: ErrUnknownEventType, eventType: typ}
	}

	if def.guard != nil {
		if err := def.guard.Check(view); err != nil {
			return TypedEvent{}, &classifyError{kind: ErrMalformedPayload, eventType: typ, err: err}
		}
	}

	payload, err := def.decode(raw.Body)
	if err != nil {
		return TypedEvent{}, &classifyError{kind: ErrMalformedPayload, eventType: typ, err: err}
	}

	return TypedEvent{Type: typ, Payload: payload, Source: raw}, nil
}

// Discriminator returns the event type named by raw's body, or "" when none
// can be read. It does not consult the registry.
func (c *Classifier) Discriminator(raw RawMessage) string {
	view, err := c.inspector.Inspect(raw.Body)
	if err != nil {
		return ""
	}
	typ, _ := view.GetString(c.discriminator)
	return typ
}

type errMissingDiscriminator string

func (e errMissingDiscriminator) Error() string {
	return "missing discriminator field " + string(e)
}
