package token

import "encoding/json"

// marshalFlatClaims merges the registered claims with Extra into one flat
// JSON object. jwt.RegisteredClaims marshals fine on its own; we decode it
// back to a map so Extra's keys sit alongside "sub", "iat", "exp" rather
// than nested under their own field.
func marshalFlatClaims(c Claims) ([]byte, error) {
	base, err := json.Marshal(c.RegisteredClaims)
	if err != nil {
		return nil, err
	}

	flat := map[string]any{}
	if err := json.Unmarshal(base, &flat); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		flat[k] = v
	}
	return json.Marshal(flat)
}
