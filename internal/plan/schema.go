package plan

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaText string
	schemaErr  error
)

// JSONSchema returns the plan's JSON schema, indented, for embedding in the
// planner directive. The schema is computed once.
func JSONSchema() (string, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		s := r.Reflect(&Plan{})
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			schemaErr = err
			return
		}
		schemaText = string(data)
	})
	return schemaText, schemaErr
}
