package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew_NilPassthrough(t *testing.T) {
	if err := Extraction("jd.search", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestIsKind_Wrapped(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("crawl jd: %w", Extraction("jd.search_products", base))

	if !IsKind(err, KindExtraction) {
		t.Fatalf("expected extraction kind")
	}
	if IsKind(err, KindValidation) {
		t.Fatalf("unexpected validation kind")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected base error in chain")
	}
	if KindOf(err) != KindExtraction {
		t.Fatalf("KindOf = %s", KindOf(err))
	}
}

func TestIsKind_Nested(t *testing.T) {
	inner := Persistence("upsert_product", errors.New("deadlock"))
	outer := Extraction("pipeline", inner)

	if !IsKind(outer, KindPersistence) {
		t.Fatalf("expected nested persistence kind")
	}
	if KindOf(outer) != KindExtraction {
		t.Fatalf("outermost kind should be extraction")
	}
}

func TestConfiguration_Message(t *testing.T) {
	err := Configuration("invalid crawl_time %q", "25:00")
	if got := err.Error(); got != `configuration failure in config: invalid crawl_time "25:00"` {
		t.Fatalf("unexpected message: %s", got)
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatalf("plain error should be unknown")
	}
}
