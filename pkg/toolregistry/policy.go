package toolregistry

// Policy defines which tools an agent can use
type Policy struct {
	Allow []string `json:"allow"` // allowed tools, * for all
	Deny  []string `json:"deny"`  // denied tools, overrides allow
}

// IsAllowed checks if a tool is allowed by the policy. A nil policy
// allows everything; deny entries win over allow entries; an empty
// allow list denies by default.
func (p *Policy) IsAllowed(toolName string) bool {
	if p == nil {
		return true
	}

	for _, denied := range p.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range p.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}
