// Derives the schema header written on the first line of each table file.

package jsonldb

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// currentVersion is the current version of the JSONL table format.
const currentVersion = "1.0"

type columnType string

const (
	columnTypeText   columnType = "text"
	columnTypeNumber columnType = "number"
	columnTypeBool   columnType = "bool"
	columnTypeJSON   columnType = "json"
)

type column struct {
	Name        string     `json:"name"`
	Type        columnType `json:"type"`
	Required    bool       `json:"required,omitempty"`
	Description string     `json:"description,omitempty"`
}

// schemaHeader is the first line of a table file.
type schemaHeader struct {
	Version string   `json:"version"`
	Columns []column `json:"columns"`
}

func (h *schemaHeader) validate() error {
	if h.Version == "" {
		return errors.New("schema version is required")
	}
	if h.Version != currentVersion {
		return fmt.Errorf("unsupported schema version %q", h.Version)
	}
	for i, col := range h.Columns {
		if col.Name == "" {
			return fmt.Errorf("column %d: name is required", i)
		}
	}
	return nil
}

// schemaFromType builds the column list from the JSON schema of T.
//
// Descriptions come from `jsonschema:"description=..."` tags.
func schemaFromType[T any]() (*schemaHeader, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("row type must be a struct or pointer to struct, got %s", t.Kind())
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(t)
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	h := &schemaHeader{Version: currentVersion}
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		h.Columns = append(h.Columns, column{
			Name:        pair.Key,
			Type:        schemaTypeToColumn(pair.Value.Type),
			Required:    required[pair.Key],
			Description: pair.Value.Description,
		})
	}
	return h, nil
}

func schemaTypeToColumn(t string) columnType {
	switch t {
	case "string":
		return columnTypeText
	case "number", "integer":
		return columnTypeNumber
	case "boolean":
		return columnTypeBool
	default:
		return columnTypeJSON
	}
}
