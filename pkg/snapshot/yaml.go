package snapshot

import "gopkg.in/yaml.v3"

// EmitYAML renders s as YAML, the alternate emission format spec §6
// permits alongside JSON for the session summary.
func EmitYAML(s *SessionSummary) ([]byte, error) {
	return yaml.Marshal(s)
}

// ParseYAML parses a YAML-encoded session summary, the inverse of
// EmitYAML.
func ParseYAML(data []byte) (*SessionSummary, error) {
	var s SessionSummary
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
