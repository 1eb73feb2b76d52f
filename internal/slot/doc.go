// Package slot implements the resource registry: the set of addressable,
// mutable resource slots that instructions read and write. A slot is the unit
// of dependency tracking; the per-slot access history itself lives in the
// depgraph package.
package slot
