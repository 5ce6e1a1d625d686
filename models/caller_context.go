package models

// CallerContext identifies who is asking. It is supplied per request and only
// persisted as part of the evidence pack's decision.
type CallerContext struct {
	Subject    string              `json:"subject,omitempty"`
	Role       string              `json:"role"`
	Attributes map[string]string   `json:"attributes,omitempty"`
	RowScope   map[string][]string `json:"row_scope,omitempty"` // field -> allowed values
}

// Attribute returns the attribute value and whether it is present and non-empty.
func (c CallerContext) Attribute(key string) (string, bool) {
	v, ok := c.Attributes[key]
	return v, ok && v != ""
}

// Anonymous reports whether the caller carries no role.
func (c CallerContext) Anonymous() bool {
	return c.Role == ""
}
