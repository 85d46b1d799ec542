package dispatcher

import (
	"errors"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when a message body is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// DefaultDiscriminatorField is the body field that names a message's type.
const DefaultDiscriminatorField = "__type"

// Inspector examines a raw body and returns a View for field queries
// without decoding the whole payload.
type Inspector interface {
	Inspect(raw []byte) (View, error)
}

// View provides read access to the fields of an inspected body.
type View interface {
	// HasField returns true if the path exists in the body.
	HasField(path string) bool

	// GetString returns the string value at path, or false if not found
	// or not a string.
	GetString(path string) (string, bool)
}

// JSONInspector returns an Inspector that uses gjson for field access.
func JSONInspector() Inspector {
	return jsonInspector{}
}

type jsonInspector struct{}

func (jsonInspector) Inspect(raw []byte) (View, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, errors.New("body is not a JSON object")
	}
	return jsonView{raw: raw}, nil
}

type jsonView struct {
	raw []byte
}

func (v jsonView) HasField(path string) bool {
	return gjson.GetBytes(v.raw, path).Exists()
}

func (v jsonView) GetString(path string) (string, bool) {
	r := gjson.GetBytes(v.raw, path)
	if !r.Exists() || r.Type != gjson.String {
		return "", false
	}
	return r.String(), true
}
