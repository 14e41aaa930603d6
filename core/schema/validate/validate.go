package validate

import (
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

var (
	compiledOnce sync.Once
	manifestSch  *jsonschema.Schema
	pointerSch   *jsonschema.Schema
	compileErr   error
)

// RunReport validates manifest bytes against the embedded run report schema.
func RunReport(data []byte) error {
	if err := compileEmbedded(); err != nil {
		return err
	}
	return validateJSON(manifestSch, data)
}

// Pointer validates pointer bytes against the embedded pointer schema.
func Pointer(data []byte) error {
	if err := compileEmbedded(); err != nil {
		return err
	}
	return validateJSON(pointerSch, data)
}

func compileEmbedded() error {
	compiledOnce.Do(func() {
		manifestSch, compileErr = compile(schemarunreport.ManifestSchema)
		if compileErr != nil {
			compileErr = fmt.Errorf("run report schema: %w", compileErr)
			return
		}
		pointerSch, compileErr = compile(schemarunreport.PointerSchema)
		if compileErr != nil {
			compileErr = fmt.Errorf("pointer schema: %w", compileErr)
		}
	})
	return compileErr
}

func compile(data []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
