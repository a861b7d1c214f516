package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func str() map[string]any {
	return map[string]any{"type": "string"}
}

func nonEmptyStr() map[string]any {
	return map[string]any{"type": "string", "minLength": 1}
}

func amount() map[string]any {
	return map[string]any{"type": "number", "minimum": 0}
}

func object(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func arrayOf(item map[string]any) map[string]any {
	return map[string]any{"type": "array", "items": item}
}

// outputSchemas are the declared output contracts, one per extraction kind
var outputSchemas = map[Kind]map[string]any{
	KindCategorize: object([]string{"receipts"}, map[string]any{
		"receipts": arrayOf(object([]string{"vendor", "category", "items", "totalAmount"}, map[string]any{
			"vendor":      str(),
			"category":    str(),
			"items":       arrayOf(str()),
			"totalAmount": amount(),
			"date":        map[string]any{"type": []string{"string", "null"}},
		})),
	}),
	KindItemize: object([]string{"receipts"}, map[string]any{
		"receipts": arrayOf(object([]string{"items", "total"}, map[string]any{
			"items": arrayOf(object([]string{"name", "price", "amount", "taxes"}, map[string]any{
				"name":   str(),
				"price":  map[string]any{"type": "number"},
				"amount": map[string]any{"type": "number"},
				"taxes":  map[string]any{"type": "number"},
			})),
			"total": amount(),
		})),
	}),
	KindFraud: object([]string{"isFraudulent", "fraudExplanation", "confidenceScore"}, map[string]any{
		"isFraudulent":     map[string]any{"type": "boolean"},
		"fraudExplanation": str(),
		"confidenceScore":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
	}),
	KindWarranty: object([]string{"items"}, map[string]any{
		"items": arrayOf(object([]string{"productName", "purchaseDate", "warrantyEndDate"}, map[string]any{
			"productName":     nonEmptyStr(),
			"purchaseDate":    nonEmptyStr(),
			"warrantyEndDate": nonEmptyStr(),
		})),
	}),
	KindReturn: object([]string{"reminders"}, map[string]any{
		"reminders": arrayOf(object([]string{"productName", "purchaseDate", "returnByDate"}, map[string]any{
			"productName":  nonEmptyStr(),
			"purchaseDate": nonEmptyStr(),
			"returnByDate": nonEmptyStr(),
		})),
	}),
	KindItems: object([]string{"items"}, map[string]any{
		"items": arrayOf(str()),
	}),
	KindQuery: object([]string{"response"}, map[string]any{
		"response": str(),
	}),
	KindSavings: object([]string{"insights", "suggestions", "overallAssessment"}, map[string]any{
		"insights":          str(),
		"suggestions":       arrayOf(str()),
		"overallAssessment": str(),
	}),
	KindShopping: object([]string{"title", "items"}, map[string]any{
		"title": str(),
		"items": arrayOf(str()),
	}),
}

var (
	compileOnce sync.Once
	compiled    map[Kind]*jsonschema.Schema
	compileErr  error
)

func compileSchemas() (map[Kind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[Kind]*jsonschema.Schema, len(outputSchemas))
		for kind, schemaMap := range outputSchemas {
			b, err := json.Marshal(schemaMap)
			if err != nil {
				compileErr = fmt.Errorf("marshaling %s schema: %w", kind, err)
				return
			}
			url := string(kind) + ".json"
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
				compileErr = fmt.Errorf("adding %s schema: %w", kind, err)
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compiling %s schema: %w", kind, err)
				return
			}
			compiled[kind] = schema
		}
	})
	return compiled, compileErr
}

// validateOutput checks a decoded JSON document against the kind's output contract
func validateOutput(kind Kind, doc any) error {
	schemas, err := compileSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("no output schema for %s", kind)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("response does not match schema: %w", err)
	}
	return nil
}
