package protect

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// rawJSON is an opaque JSON blob carried through without interpretation.
type rawJSON = json.RawMessage

// strictDecode unmarshals data into v, rejecting unknown keys. Used for
// the typed overlay merge: an update payload is applied onto a copy of
// the existing entity, so present fields overwrite (recursively for
// nested objects) and absent fields are untouched. A key the entity
// schema does not declare is a validation failure, not a silent drop.
func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return &ValidationError{Err: err}
	}

	return nil
}

// marshalFields flattens v into its top-level JSON fields. Both the
// write-back differ and the local echo synthesizer work on this shape.
func marshalFields(v any) (map[string]rawJSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var fields map[string]rawJSON
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	return fields, nil
}

// diffFields returns the fields of after whose marshalled value differs
// from before, plus fields removed entirely (marshalled as JSON null).
func diffFields(before, after map[string]rawJSON) map[string]rawJSON {
	diff := make(map[string]rawJSON)

	for k, v := range after {
		if prev, ok := before[k]; !ok || !bytes.Equal(prev, v) {
			diff[k] = v
		}
	}

	for k := range before {
		if _, ok := after[k]; !ok {
			diff[k] = rawJSON("null")
		}
	}

	return diff
}
