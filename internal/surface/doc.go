// Package surface implements reference-counted, cross-process shareable
// image surfaces and the fixed-capacity ring that hands them to reader
// processes by ID instead of by copy.
//
// Ownership is explicit: every retain is represented by a [Token] whose
// Release runs the underlying release exactly once, no matter how many
// times it is called or from which error path.
package surface
