package schema

// ConnectionResult is the outcome of checking a candidate edge. An invalid
// result blocks the edge; a suggestion on a valid result is advisory only.
type ConnectionResult struct {
	Valid      bool   `json:"valid"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Allowed returns a valid result with no advisory.
func Allowed() ConnectionResult {
	return ConnectionResult{Valid: true}
}

// Rejected returns an invalid result.
func Rejected(code, message string) ConnectionResult {
	return ConnectionResult{Valid: false, Code: code, Message: message}
}

// FlowSuggestion is a candidate follow-on node. Higher priority ranks first.
type FlowSuggestion struct {
	NodeType      NodeType `json:"nodeType"`
	Reason        string   `json:"reason"`
	Priority      int      `json:"priority"`
	AutoConnect   bool     `json:"autoConnect"`
	DefaultConfig NodeData `json:"defaultConfig,omitempty"`
}
