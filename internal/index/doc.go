// Package index holds immutable per-partition vector indexes, the atomic
// slots queries read them through, and their durable on-disk artifacts.
//
// A partition's artifacts live under <root>/<partition>/. Each build writes a
// fresh <build-id>/ directory holding the chromem export and a manifest, and
// becomes active when the CURRENT file is renamed into place. Readers holding
// the previous *Index are never disturbed by a swap.
package index
