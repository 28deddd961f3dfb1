// Package grants provides the read-only client for the Grant Management API
// and the grant data model, including boundary normalization of
// authorization details.
package grants

import (
	"encoding/json"
	"fmt"
	"sort"
)

// StatusActive is the only grant status that can satisfy a tool-access
// check. All other statuses (revoked, expired, pending, ...) deny.
const StatusActive = "active"

// DetailTypeMCP marks an authorization detail as tool-kind access.
// The grant store emits either "type" or "type_code" depending on the
// producing service; both are accepted.
const DetailTypeMCP = "mcp"

// Grant is a persisted authorization record. It is read-only from the
// proxy's perspective.
type Grant struct {
	ID                   string                `json:"id"`
	Status               string                `json:"status"`
	AuthorizationDetails []AuthorizationDetail `json:"authorization_details"`
}

// Active reports whether the grant may satisfy tool-access checks.
func (g *Grant) Active() bool {
	return g != nil && g.Status == StatusActive
}

// PermittedTools returns the union of tool names across all mcp-kind
// authorization details, sorted and deduplicated. Membership equals
// permission.
func (g *Grant) PermittedTools() []string {
	if g == nil {
		return nil
	}
	set := make(map[string]struct{})
	for _, detail := range g.AuthorizationDetails {
		if !detail.IsMCP() {
			continue
		}
		for _, name := range detail.Tools {
			set[name] = struct{}{}
		}
	}
	tools := make([]string, 0, len(set))
	for name := range set {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools
}

// Permits reports whether the grant's mcp-kind details include the tool.
func (g *Grant) Permits(toolName string) bool {
	if g == nil {
		return false
	}
	for _, detail := range g.AuthorizationDetails {
		if !detail.IsMCP() {
			continue
		}
		for _, name := range detail.Tools {
			if name == toolName {
				return true
			}
		}
	}
	return false
}

// AuthorizationDetail is a typed permission record. The wire encoding of
// the "tools" field is ambiguous: producers emit either an array of names
// or a map keyed by name. Both are normalized into the Tools slice at
// unmarshal time so the ambiguity never reaches decision logic. Map
// entries count by membership regardless of any false-ish per-entry
// marker.
type AuthorizationDetail struct {
	Type     string   `json:"type,omitempty"`
	TypeCode string   `json:"type_code,omitempty"`
	Tools    []string `json:"-"`

	// Extra carries the remaining detail fields verbatim for callers
	// that need to echo the detail (e.g. the session cache).
	Extra map[string]json.RawMessage `json:"-"`
}

// IsMCP reports whether the detail grants tool-kind access.
func (d *AuthorizationDetail) IsMCP() bool {
	return d.Type == DetailTypeMCP || d.TypeCode == DetailTypeMCP
}

// UnmarshalJSON normalizes the two accepted "tools" encodings.
func (d *AuthorizationDetail) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decoding authorization detail: %w", err)
	}

	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &d.Type); err != nil {
			return fmt.Errorf("decoding detail type: %w", err)
		}
	}
	if raw, ok := fields["type_code"]; ok {
		if err := json.Unmarshal(raw, &d.TypeCode); err != nil {
			return fmt.Errorf("decoding detail type_code: %w", err)
		}
	}

	if raw, ok := fields["tools"]; ok {
		tools, err := decodeTools(raw)
		if err != nil {
			return err
		}
		d.Tools = tools
	}

	delete(fields, "type")
	delete(fields, "type_code")
	delete(fields, "tools")
	if len(fields) > 0 {
		d.Extra = fields
	}
	return nil
}

// MarshalJSON re-emits the detail with tools in array form.
func (d AuthorizationDetail) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+3)
	for k, v := range d.Extra {
		out[k] = v
	}
	if d.Type != "" {
		out["type"] = d.Type
	}
	if d.TypeCode != "" {
		out["type_code"] = d.TypeCode
	}
	if d.Tools != nil {
		out["tools"] = d.Tools
	}
	return json.Marshal(out)
}

// decodeTools accepts ["a","b"] or {"a":true,"b":{"essential":true}} and
// returns a sorted name slice. Map membership is permission; the value is
// ignored.
func decodeTools(raw json.RawMessage) ([]string, error) {
	var asArray []string
	if err := json.Unmarshal(raw, &asArray); err == nil {
		sort.Strings(asArray)
		return asArray, nil
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("tools field is neither array nor map: %w", err)
	}
	tools := make([]string, 0, len(asMap))
	for name := range asMap {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools, nil
}
