package protocol

import (
	"testing"

	"pgregory.net/rapid"
)

// Identifiers never contain angle brackets, which keeps them clear of every delimiter.
func idGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-Za-z0-9][A-Za-z0-9\-_]{0,35}`)
}

func nameGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-Za-z0-9][A-Za-z0-9 _.\-]{0,19}`)
}

// TestRoundTrip checks that tokenize inverts render for every kind
func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind := rapid.SampledFrom([]Kind{
			KindRegister, KindLogoff, KindIncoming, KindDebug, KindNameQuery, KindInvalidKey,
		}).Draw(t, "kind")

		var f Fields
		switch kind {
		case KindRegister:
			f = Fields{ID: idGen().Draw(t, "id"), Name: nameGen().Draw(t, "name")}
		case KindLogoff, KindInvalidKey:
			f = Fields{ID: idGen().Draw(t, "id")}
		case KindIncoming:
			f = Fields{ID: idGen().Draw(t, "id"), Text: rapid.String().Draw(t, "text")}
		case KindNameQuery:
			f = Fields{Name: nameGen().Draw(t, "name")}
		}

		raw := Render(kind, f)
		if got := Classify(raw); got != kind {
			t.Fatalf("classify(%q) = %v, want %v", raw, got, kind)
		}
		decoded, ok := Tokenize(kind, raw)
		if !ok {
			t.Fatalf("tokenize(%q) failed", raw)
		}
		if decoded != f {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, f)
		}
	})
}

// TestClassifyTotal checks that arbitrary input classifies and tokenizes without panicking
func TestClassifyTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.String().Draw(t, "raw")
		kind := Classify(raw)
		fields, ok := Tokenize(kind, raw)
		if !ok && fields != (Fields{}) {
			t.Fatalf("failed tokenize returned non-empty fields %+v", fields)
		}
	})
}
