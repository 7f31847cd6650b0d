package extract

import (
	"errors"
	"testing"
)

type listingPayload struct {
	ProductName string  `json:"product_name"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
}

func TestParsePlainJSON(t *testing.T) {
	raw := `{"product_name":"Pashmina Shawl","category":"Textiles","price":2500}`
	got, err := Parse[listingPayload](raw)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got.ProductName != "Pashmina Shawl" || got.Category != "Textiles" || got.Price != 2500 {
		t.Fatalf("Parse = %+v", got)
	}
}

func TestParseFencedJSON(t *testing.T) {
	raw := "Here is the listing:\n```json\n{\"product_name\":\"Channapatna Toy\",\"category\":\"Handicrafts\",\"price\":450}\n```\nLet me know if you need more."
	got, err := Parse[listingPayload](raw)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got.Category != "Handicrafts" {
		t.Fatalf("Category = %q, want %q", got.Category, "Handicrafts")
	}
}

func TestParseJSONEmbeddedInProse(t *testing.T) {
	raw := `Sure! The metadata is {"product_name":"Blue Pottery Vase","category":"Pottery","price":1200} — enjoy.`
	got, err := Parse[listingPayload](raw)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got.Price != 1200 {
		t.Fatalf("Price = %v, want 1200", got.Price)
	}
}

func TestParseBracesInsideStrings(t *testing.T) {
	raw := `{"product_name":"Shawl {limited}","category":"Textiles","price":10}`
	got, err := Parse[listingPayload](raw)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got.ProductName != "Shawl {limited}" {
		t.Fatalf("ProductName = %q", got.ProductName)
	}
}

func TestParseNoJSON(t *testing.T) {
	if _, err := Parse[listingPayload]("I could not analyze this image."); !errors.Is(err, ErrNoJSON) {
		t.Fatalf("err = %v, want ErrNoJSON", err)
	}
}

func TestFragmentPrefersBalancedRegion(t *testing.T) {
	raw := `prefix {"a":{"b":1}} trailing } noise`
	if got := Fragment(raw); got != `{"a":{"b":1}}` {
		t.Fatalf("Fragment = %q", got)
	}
}

func TestFragmentTruncatedOutput(t *testing.T) {
	// Truncated model output: keep whatever closes so the JSON error is real.
	raw := `{"a": [1, 2`
	if got := Fragment(raw); got != "" {
		if got[0] != '{' {
			t.Fatalf("Fragment = %q, want leading brace", got)
		}
	}
}
