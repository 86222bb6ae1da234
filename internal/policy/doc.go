// Package policy decides what happens to each parsed model step before it
// executes. It is the single choke point between "the model said X" and
// "the harness did X".
//
// Architecture notes:
//   - Decide is pure: it reads an immutable RunView plus the analyzed facts
//     of one action and returns a Decision. All counters and streaks live in
//     the harness; the engine never mutates state.
//   - Rules apply in a fixed order: notes overwrite guard, notes gate,
//     stagnation force, domain-shift guard, query mutation, negative-claim
//     coverage, finalization stop, then the no-tool supplements (gradient
//     reminder, exploration gate, length nudge).
//   - Every Block and Force carries a human-readable instruction that is
//     injected into the next context. A silent drop is never a valid outcome.
//   - Failure escalation does not block on its own; it escalates the
//     stagnation instruction and surfaces through Interventions.
package policy
