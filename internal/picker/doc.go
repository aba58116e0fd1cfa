// Package picker is the interactive terminal screen for choosing a
// discovered machine. It runs one discovery pass on entry, lists the
// results and returns the selection to the caller.
package picker
