package paramschema

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateRequiredAndDefaults(t *testing.T) {
	s := Schema{Fields: []Field{
		{Name: "dataset", Type: String, Required: true},
		{Name: "chunks", Type: Int, Default: 4},
	}}
	out, err := s.Validate(map[string]any{"dataset": "parcels"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out["chunks"] != 4 {
		t.Fatalf("default not applied, got %v", out["chunks"])
	}

	_, err = s.Validate(map[string]any{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Error(), "dataset: required") {
		t.Fatalf("missing required issue: %v", verr)
	}
}

func TestValidateTypeCoercion(t *testing.T) {
	s := Schema{Fields: []Field{{Name: "chunks", Type: Int, Required: true}}}
	out, err := s.Validate(map[string]any{"chunks": float64(3)})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out["chunks"] != 3 {
		t.Fatalf("integral float should coerce to int, got %T %v", out["chunks"], out["chunks"])
	}
	if _, err := s.Validate(map[string]any{"chunks": 3.5}); err == nil {
		t.Fatalf("fractional value should fail an Int field")
	}
	if _, err := s.Validate(map[string]any{"chunks": "3"}); err == nil {
		t.Fatalf("string should fail an Int field")
	}
}

func TestValidateRulesAndPattern(t *testing.T) {
	s := Schema{Fields: []Field{
		{Name: "chunks", Type: Int, Required: true, Rules: "min=1,max=64"},
		{Name: "table", Type: String, Required: true, Pattern: `^[a-z][a-z0-9_]*$`},
	}}
	if _, err := s.Validate(map[string]any{"chunks": 0, "table": "parcels"}); err == nil {
		t.Fatalf("chunks=0 should fail min=1")
	}
	if _, err := s.Validate(map[string]any{"chunks": 4, "table": "9bad"}); err == nil {
		t.Fatalf("identifier pattern should reject leading digit")
	}
	if _, err := s.Validate(map[string]any{"chunks": 4, "table": "parcels_2024"}); err != nil {
		t.Fatalf("valid inputs rejected: %v", err)
	}
}

func TestValidateKeepsUnknownKeys(t *testing.T) {
	s := Schema{Fields: []Field{{Name: "dataset", Type: String, Required: true}}}
	out, err := s.Validate(map[string]any{"dataset": "parcels", "extra": "kept"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out["extra"] != "kept" {
		t.Fatalf("unknown keys should pass through")
	}
}
