package oauth

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AuthorizationDetailsTypeCredential is the OpenID4VCI detail type.
const AuthorizationDetailsTypeCredential = "openid_credential"

type AuthorizationDetail map[string]any

func (d AuthorizationDetail) Type() string {
	t, _ := d["type"].(string)
	return t
}

func (d AuthorizationDetail) String(name string) string {
	s, _ := d[name].(string)
	return s
}

// AuthorizationDetails is the RAR authorization_details array.
type AuthorizationDetails []AuthorizationDetail

// ParseAuthorizationDetails decodes the form parameter.
func ParseAuthorizationDetails(raw string) (AuthorizationDetails, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	return decodeAuthorizationDetails([]byte(raw))
}

// AuthorizationDetailsFromClaim decodes the claim of a request object.
// Both sources go through the same rules.
func AuthorizationDetailsFromClaim(claim any) (AuthorizationDetails, error) {
	if claim == nil {
		return nil, nil
	}
	if s, ok := claim.(string); ok {
		return ParseAuthorizationDetails(s)
	}
	data, err := json.Marshal(claim)
	if err != nil {
		return nil, ErrInvalidAuthorizationDetails("authorization_details is not JSON")
	}
	return decodeAuthorizationDetails(data)
}

func decodeAuthorizationDetails(data []byte) (AuthorizationDetails, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrInvalidAuthorizationDetails("authorization_details must be a JSON array")
	}
	if len(raw) == 0 {
		return nil, ErrInvalidAuthorizationDetails("authorization_details must not be empty")
	}
	details := make(AuthorizationDetails, 0, len(raw))
	for i, element := range raw {
		var detail AuthorizationDetail
		if err := json.Unmarshal(element, &detail); err != nil || detail == nil {
			return nil, ErrInvalidAuthorizationDetails("authorization_details[%d] is not an object", i)
		}
		if detail.Type() == "" {
			return nil, ErrInvalidAuthorizationDetails("authorization_details[%d] has no type", i)
		}
		details = append(details, detail)
	}
	return details, nil
}

func (d AuthorizationDetails) Types() []string {
	types := make([]string, 0, len(d))
	for _, detail := range d {
		types = append(types, detail.Type())
	}
	return types
}

func (d AuthorizationDetails) HasType(typ string) bool {
	for _, detail := range d {
		if detail.Type() == typ {
			return true
		}
	}
	return false
}

// Authorize checks every type against what the server supports and the
// client is allowed to request.
func (d AuthorizationDetails) Authorize(server *ServerConfiguration, client *ClientConfiguration) error {
	for _, detail := range d {
		typ := detail.Type()
		if !server.SupportsAuthorizationDetailsType(typ) {
			return ErrInvalidAuthorizationDetails("unsupported authorization_details type: %s", typ)
		}
		if !client.IsAuthorizedDetailsType(typ) {
			return ErrInvalidAuthorizationDetails("client is not authorized for authorization_details type: %s", typ)
		}
	}
	return nil
}

func (d AuthorizationDetails) String() string {
	data, err := json.Marshal([]AuthorizationDetail(d))
	if err != nil {
		return fmt.Sprintf("%v", []AuthorizationDetail(d))
	}
	return string(data)
}
