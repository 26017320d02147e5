package consensus

import "testing"

func TestEvaluatePendingWithoutLabels(t *testing.T) {
	if _, ok := Evaluate(nil); ok {
		t.Fatal("expected pending final label for zero annotators")
	}
	if _, ok := Evaluate(map[string]string{}); ok {
		t.Fatal("expected pending final label for empty label map")
	}
}

func TestEvaluateSingleAnnotator(t *testing.T) {
	label, ok := Evaluate(map[string]string{"alice": "relevant"})
	if !ok || label != "relevant" {
		t.Fatalf("Evaluate() = %q, %v; want relevant, true", label, ok)
	}
}

func TestEvaluateAgreement(t *testing.T) {
	label, ok := Evaluate(map[string]string{
		"alice": "relevant",
		"bob":   "relevant",
	})
	if !ok || label != "relevant" {
		t.Fatalf("Evaluate() = %q, %v; want relevant, true", label, ok)
	}
}

func TestEvaluateDisagreement(t *testing.T) {
	label, ok := Evaluate(map[string]string{
		"alice": "relevant",
		"bob":   "irrelevant",
	})
	if !ok || label != Conflict {
		t.Fatalf("Evaluate() = %q, %v; want %s, true", label, ok, Conflict)
	}
}

func TestEvaluatePartialAgreementIsConflict(t *testing.T) {
	// 2-of-3 agreement is still a conflict: there is no majority rule.
	label, _ := Evaluate(map[string]string{
		"alice": "spam",
		"bob":   "spam",
		"carol": "ham",
	})
	if label != Conflict {
		t.Fatalf("Evaluate() = %q; want %s", label, Conflict)
	}
}

func TestRenderConflictForExport(t *testing.T) {
	if got := Render(Conflict); got != "CONFLICT (Unresolved)" {
		t.Fatalf("Render(Conflict) = %q", got)
	}
	if got := Render("relevant"); got != "relevant" {
		t.Fatalf("Render(relevant) = %q", got)
	}
	if got := Render(""); got != "" {
		t.Fatalf("Render(empty) = %q", got)
	}
}
