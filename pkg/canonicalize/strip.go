package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Strip returns a deep copy of v, taken through its JSON form, with the named
// keys removed at every object depth. Plan hashing uses it to drop volatile
// identifiers (request ids, expected-hash assertions) before digesting, so
// the same plan hashes identically across resubmissions.
func Strip(v interface{}, keys ...string) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: strip pre-marshal failed: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: strip decode failed: %w", err)
	}
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	return stripValue(generic, drop), nil
}

func stripValue(v interface{}, drop map[string]struct{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if _, skip := drop[k]; skip {
				continue
			}
			out[k] = stripValue(val, drop)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = stripValue(elem, drop)
		}
		return out
	default:
		return v
	}
}
