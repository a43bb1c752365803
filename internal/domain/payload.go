package domain

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// Well-known chart fields. Other keys are carried through untouched.
const (
	FieldTitle   = "title"
	FieldArtist  = "artist"
	FieldKey     = "key"
	FieldCapo    = "capo"
	FieldTempo   = "tempo"
	FieldContent = "content"
)

const (
	SchemaVersion    = 1
	schemaVersionKey = "schemaVersion"
)

// Payload is the field map of a chord chart. A missing field and an empty
// value are the same thing.
type Payload map[string]string

func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Payload) Get(field string) string {
	return p[field]
}

func (p Payload) Equal(other Payload) bool {
	return len(ChangedFields(p, other)) == 0
}

// Apply returns a copy with changes applied. An empty value removes the field.
func (p Payload) Apply(changes Payload) Payload {
	out := p.Clone()
	for k, v := range changes {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// ChangedFields lists, sorted, the fields whose value differs between a and b.
func ChangedFields(a, b Payload) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	for k := range seen {
		if a[k] != b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Diff returns the changes that turn base into p.
func Diff(base, p Payload) Payload {
	changes := Payload{}
	for _, k := range ChangedFields(base, p) {
		changes[k] = p[k]
	}
	return changes
}

// EncodePayload produces the stored JSON form, stamped with the schema version.
func EncodePayload(p Payload) ([]byte, error) {
	doc := make(map[string]any, len(p)+1)
	for k, v := range p {
		doc[k] = v
	}
	doc[schemaVersionKey] = SchemaVersion
	return json.Marshal(doc)
}

// DecodePayload validates and decodes a stored payload. Corrupt JSON, non-object
// documents, nested values and newer schema versions are data errors.
func DecodePayload(entityID string, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, &DataError{EntityID: entityID, Reason: "payload is not valid JSON"}
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, &DataError{EntityID: entityID, Reason: "payload is not a JSON object"}
	}
	if v := doc.Get(schemaVersionKey); v.Exists() && v.Int() > SchemaVersion {
		return nil, &DataError{
			EntityID: entityID,
			Reason:   fmt.Sprintf("schema version %d is newer than supported %d", v.Int(), SchemaVersion),
		}
	}

	out := Payload{}
	var bad string
	doc.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if k == schemaVersionKey {
			return true
		}
		switch value.Type {
		case gjson.String:
			out[k] = value.Str
		case gjson.Number, gjson.True, gjson.False:
			out[k] = value.Raw
		case gjson.Null:
		default:
			bad = k
			return false
		}
		return true
	})
	if bad != "" {
		return nil, &DataError{EntityID: entityID, Reason: fmt.Sprintf("field %q has an unsupported type", bad)}
	}
	return out, nil
}
