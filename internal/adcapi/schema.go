package adcapi

import (
	"bytes"
	"embed"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaLogin        = "login.json"
	schemaRepositories = "repositories.json"
	schemaFolders      = "folders.json"
	schemaFiles        = "files.json"
	schemaCreateFolder = "create_folder.json"
	schemaCreateFile   = "create_file.json"
)

const schemaBaseURL = "https://adcsync.local/schemas/"

// schemaSet holds the compiled response schemas keyed by file name.
type schemaSet map[string]*jsonschema.Schema

func loadSchemas() (schemaSet, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	for _, entry := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
	}
	set := schemaSet{}
	for _, entry := range entries {
		compiled, err := compiler.Compile(schemaBaseURL + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", entry.Name(), err)
		}
		set[entry.Name()] = compiled
	}
	return set, nil
}

func (s schemaSet) validate(name string, payload []byte) error {
	compiled, ok := s[name]
	if !ok {
		return fmt.Errorf("unknown response schema %s", name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return compiled.Validate(doc)
}
