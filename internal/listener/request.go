package listener

import (
	"bytes"
	"encoding/json"
	"os"
)

// Descriptor is one validated element of a request.
type Descriptor struct {
	FullName     string
	NameDeclared string
	Raw          map[string]json.RawMessage
}

// ParseRequest validates a request body. Structural checks and file checks
// run per descriptor in order; the first failure is returned.
func ParseRequest(body []byte) ([]Descriptor, error) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, &RequestError{Code: InvalidJSON}
	}

	var elems []json.RawMessage
	if len(body) == 0 || body[0] != '[' {
		return nil, &RequestError{Code: InvalidFormat}
	}
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, &RequestError{Code: InvalidFormat}
	}

	out := make([]Descriptor, 0, len(elems))
	for _, elem := range elems {
		d, err := parseDescriptor(elem)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDescriptor(elem json.RawMessage) (Descriptor, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(elem, &fields); err != nil || fields == nil {
		return Descriptor{}, &RequestError{Code: IncompleteDescriptor}
	}

	var d Descriptor
	raw, ok := fields["full_name"]
	// An empty name is present but points nowhere.
	if !ok || string(raw) == "null" || json.Unmarshal(raw, &d.FullName) != nil {
		return Descriptor{}, &RequestError{Code: IncompleteDescriptor}
	}
	if raw, ok := fields["name_declared"]; ok {
		// A non-string name is kept in the metadata only.
		_ = json.Unmarshal(raw, &d.NameDeclared)
	}
	d.Raw = fields

	info, err := os.Stat(d.FullName)
	if err != nil {
		return Descriptor{}, &RequestError{Code: PathNotFound, Path: d.FullName}
	}
	if !info.Mode().IsRegular() {
		return Descriptor{}, &RequestError{Code: NotAFile, Path: d.FullName}
	}
	return d, nil
}
