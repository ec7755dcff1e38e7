// Package combat models the turn state machine of one combat encounter.
//
// Every transition is split in two pure steps: Decide validates a command
// against the current state and returns the events it produces, and Fold
// applies an event to a state. Replaying the folded events of a session
// rebuilds the encounter exactly, so the package holds no persistence or
// locking of its own; callers serialize access per room.
//
// Initiative order is computed once by Start and never re-sorted. Defeated
// participants are marked inactive and skipped, never removed, so turn
// indices stay stable for in-flight messages.
package combat
