package paramschema

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Declarative parameter schemas for workflow definitions. A schema is applied
// at submission time so malformed jobs are rejected before any queue traffic
// or job row exists.

type FieldType string

const (
	String FieldType = "string"
	Int    FieldType = "int"
	Number FieldType = "number"
	Bool   FieldType = "bool"
	Object FieldType = "object"
	Array  FieldType = "array"
)

type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Default  any
	// Rules is a validator/v10 tag expression applied to the value,
	// e.g. "min=1,max=64" or "oneof=4326 3857".
	Rules string
	// Pattern constrains string fields to a regular expression. Used for
	// identifier-shaped parameters (table names, asset ids).
	Pattern string
}

type Schema struct {
	Fields []Field
}

// ValidationError aggregates every rejected field so submitters see the whole
// problem set in one round trip.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid parameters: " + strings.Join(e.Issues, "; ")
}

var validate = validator.New()

// Validate checks raw against the schema and returns a normalized copy with
// defaults applied. Unknown keys pass through untouched; parameters are an
// opaque contract between submitter and workflow beyond the declared fields.
func (s Schema) Validate(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	var issues []string
	for _, f := range s.Fields {
		val, present := out[f.Name]
		if !present || val == nil {
			if f.Required {
				issues = append(issues, fmt.Sprintf("%s: required", f.Name))
				continue
			}
			if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}
		coerced, err := coerceType(f, val)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", f.Name, err))
			continue
		}
		out[f.Name] = coerced
		if f.Rules != "" {
			if err := validate.Var(coerced, f.Rules); err != nil {
				issues = append(issues, fmt.Sprintf("%s: fails %q", f.Name, f.Rules))
			}
		}
		if f.Pattern != "" {
			str, ok := coerced.(string)
			if !ok {
				issues = append(issues, fmt.Sprintf("%s: pattern constraint requires a string", f.Name))
			} else if matched, err := regexp.MatchString(f.Pattern, str); err != nil || !matched {
				issues = append(issues, fmt.Sprintf("%s: does not match %s", f.Name, f.Pattern))
			}
		}
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return out, nil
}

// coerceType checks the JSON-decoded value against the declared field type.
// JSON numbers arrive as float64; integral floats are accepted for Int fields
// and normalized so the canonical parameter hash stays stable.
func coerceType(f Field, val any) (any, error) {
	switch f.Type {
	case "", String:
		if f.Type == "" {
			return val, nil
		}
		if _, ok := val.(string); !ok {
			return nil, fmt.Errorf("expected string")
		}
		return val, nil
	case Int:
		switch v := val.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer")
			}
			return int(v), nil
		default:
			return nil, fmt.Errorf("expected integer")
		}
	case Number:
		switch v := val.(type) {
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		default:
			return nil, fmt.Errorf("expected number")
		}
	case Bool:
		if _, ok := val.(bool); !ok {
			return nil, fmt.Errorf("expected bool")
		}
		return val, nil
	case Object:
		if _, ok := val.(map[string]any); !ok {
			return nil, fmt.Errorf("expected object")
		}
		return val, nil
	case Array:
		if _, ok := val.([]any); !ok {
			return nil, fmt.Errorf("expected array")
		}
		return val, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", f.Type)
	}
}
