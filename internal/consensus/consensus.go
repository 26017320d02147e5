// Package consensus derives the authoritative final label of a tweet from
// its per-annotator labels.
package consensus

// Conflict is the sentinel final label meaning annotators disagree. It is
// terminal from the evaluator's perspective: clearing it takes an explicit
// write that sets the final label directly.
const Conflict = "CONFLICT"

// conflictExport is how the sentinel is presented to external consumers.
const conflictExport = "CONFLICT (Unresolved)"

// Evaluate arbitrates the per-annotator labels of one tweet. With no labels
// the final label stays pending (ok=false). When every labeled annotator
// agrees, that label wins. Any disagreement - even one dissenter among many -
// yields Conflict; there is deliberately no majority rule.
func Evaluate(labels map[string]string) (label string, ok bool) {
	first := ""
	seen := false
	for _, l := range labels {
		if !seen {
			first = l
			seen = true
			continue
		}
		if l != first {
			return Conflict, true
		}
	}
	if !seen {
		return "", false
	}
	return first, true
}

// Render maps a stored final label to its export form. Only the Conflict
// sentinel is rewritten; everything else passes through.
func Render(label string) string {
	if label == Conflict {
		return conflictExport
	}
	return label
}
