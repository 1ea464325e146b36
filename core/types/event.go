package types

import "strings"

// Event is the attribute form of a runtime event. Type is "<module>.<name>".
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventModule returns the module part of an event type, or "" when the type
// carries no module prefix.
func EventModule(typ string) string {
	module, _, found := strings.Cut(typ, ".")
	if !found {
		return ""
	}
	return module
}
