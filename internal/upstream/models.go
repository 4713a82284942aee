package upstream

import "strings"

// Model maps an advertised model name to its upstream identity and the
// feature toggles it implies.
type Model struct {
	ID         string
	UpstreamID string
	Thinking   bool
	Search     bool
}

// DefaultModel is used when the requested model is unknown.
const DefaultModel = "GLM-4.5"

var modelTable = []Model{
	{ID: "GLM-4.5", UpstreamID: "0727-360B-API"},
	{ID: "GLM-4.5-Thinking", UpstreamID: "0727-360B-API", Thinking: true},
	{ID: "GLM-4.5-Search", UpstreamID: "0727-360B-API", Thinking: true, Search: true},
	{ID: "GLM-4.5-Air", UpstreamID: "0727-106B-API"},
	{ID: "GLM-4.6", UpstreamID: "GLM-4-6-API-V1"},
	{ID: "GLM-4.6-Thinking", UpstreamID: "GLM-4-6-API-V1", Thinking: true},
}

// ResolveModel maps a requested model name to a table entry, matching
// case-insensitively and defaulting to DefaultModel for unknown names.
func ResolveModel(name string) Model {
	for _, m := range modelTable {
		if strings.EqualFold(m.ID, name) {
			return m
		}
	}
	for _, m := range modelTable {
		if m.ID == DefaultModel {
			return m
		}
	}
	return modelTable[0]
}

// Models returns the advertised model table.
func Models() []Model {
	out := make([]Model, len(modelTable))
	copy(out, modelTable)
	return out
}
