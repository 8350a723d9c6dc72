package botproto

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// SchemaNames lists the embedded schema documents, sorted.
func SchemaNames() []string {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// SchemaJSON returns the raw schema document by file name, e.g.
// "tick.schema.json".
func SchemaJSON(name string) ([]byte, error) {
	return schemaFS.ReadFile("schemas/" + name)
}

// CompileSchema compiles an embedded schema by file name.
func CompileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := SchemaJSON(name)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return s, nil
}
