package jose

import (
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"gopkg.in/yaml.v3"
)

// Jwks makes a jwk.Set usable in JSON and YAML configuration. In YAML the
// set may be given inline as a mapping or as a JSON string.
type Jwks struct {
	Keys jwk.Set
}

func (j Jwks) MarshalJSON() ([]byte, error) {
	if j.Keys == nil {
		return []byte("null"), nil
	}
	return json.Marshal(j.Keys)
}

func (j *Jwks) UnmarshalJSON(data []byte) error {
	keys, err := jwk.Parse(data)
	if err != nil {
		return err
	}
	j.Keys = keys
	return nil
}

func (j *Jwks) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return fmt.Errorf("jwks: %w", err)
		}
	}
	keys, err := jwk.Parse(data)
	if err != nil {
		return fmt.Errorf("jwks: %w", err)
	}
	j.Keys = keys
	return nil
}

func (j *Jwks) Len() int {
	if j == nil || j.Keys == nil {
		return 0
	}
	return j.Keys.Len()
}
