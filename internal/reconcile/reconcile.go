// Package reconcile implements find-or-append of one keyed block inside an
// ordered sequence. The config, script and crontab writers all reduce their
// idempotent update to this operation.
package reconcile

// Action describes what a writer did, or would do, to an artifact.
type Action int

const (
	// None means the artifact already matches the desired state.
	None Action = iota
	// Create means the keyed block did not exist.
	Create
	// Update means the keyed block existed with different content.
	Update
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Update:
		return "update"
	default:
		return "no change"
	}
}

// Verb renders the action as a past or conditional verb phrase.
func (a Action) Verb(dryRun bool) string {
	switch {
	case a == None:
		return "no change"
	case dryRun:
		return "would " + a.String()
	case a == Create:
		return "created"
	default:
		return "updated"
	}
}

// Outcome is the result of Reconcile.
type Outcome[B any] struct {
	Action Action
	// Index is the position of the desired block in the returned slice.
	Index int
	// Previous is the matched block before replacement, nil on Create.
	Previous *B
	// Removed counts duplicate blocks with the same key that were dropped.
	Removed int
}

// KeyFunc extracts the identity of a block. ok is false for blocks that have
// no identity (comments, unrelated lines) and are never matched.
type KeyFunc[B any] func(B) (key string, ok bool)

// EqualFunc reports whether the existing block already satisfies want.
type EqualFunc[B any] func(current, want B) bool

// Reconcile ensures exactly one block keyed target exists in blocks and that
// it equals desired. Blocks with other keys are returned untouched and in
// their original order. The input slice is not modified.
func Reconcile[B any](blocks []B, desired B, target string, key KeyFunc[B], equal EqualFunc[B]) ([]B, Outcome[B]) {
	out := make([]B, 0, len(blocks)+1)
	outcome := Outcome[B]{Index: -1}

	for _, b := range blocks {
		k, ok := key(b)
		if !ok || k != target {
			out = append(out, b)
			continue
		}

		if outcome.Index >= 0 {
			outcome.Removed++
			continue
		}

		prev := b
		outcome.Previous = &prev
		outcome.Index = len(out)
		if equal(b, desired) {
			out = append(out, b)
		} else {
			outcome.Action = Update
			out = append(out, desired)
		}
	}

	if outcome.Index < 0 {
		outcome.Action = Create
		outcome.Index = len(out)
		out = append(out, desired)
	}

	if outcome.Removed > 0 && outcome.Action == None {
		outcome.Action = Update
	}

	return out, outcome
}
