package teamsync

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaFiles = map[string]string{
	collectionTasks:         "task",
	collectionFeedback:      "feedback",
	collectionNotifications: "notification",
	collectionMeetings:      "meeting",
	collectionUsers:         "user",
}

type schemaValidator struct {
	schemas map[string]*jsonschema.Schema
}

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *schemaValidator
	defaultValidatorErr  error
)

// loadSchemaValidator compiles the embedded collection schemas once per
// process.
func loadSchemaValidator() (*schemaValidator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = compileSchemas()
	})
	return defaultValidator, defaultValidatorErr
}

func compileSchemas() (*schemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	for _, name := range schemaFiles {
		data, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", name, err)
		}
		if err := compiler.AddResource(name+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
	}
	v := &schemaValidator{schemas: map[string]*jsonschema.Schema{}}
	for collection, name := range schemaFiles {
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.schemas[collection] = schema
	}
	return v, nil
}

func (v *schemaValidator) validate(collection string, doc []byte) error {
	schema, ok := v.schemas[collection]
	if !ok {
		return fmt.Errorf("no schema for collection %q", collection)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return invalidf(schemaFiles[collection], "malformed document")
	}
	if err := schema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return invalidf(schemaFiles[collection], "%s", validationReason(ve))
		}
		return invalidf(schemaFiles[collection], "%v", err)
	}
	return nil
}

// validationReason keeps the innermost failure line of a schema error,
// e.g. "at '/status': value must be one of ...".
func validationReason(ve *jsonschema.ValidationError) string {
	lines := strings.Split(strings.TrimSpace(ve.Error()), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(lines[i]), "-"))
		if line != "" {
			return line
		}
	}
	return "schema validation failed"
}
