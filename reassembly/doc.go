// Package reassembly rebuilds raw waveform blocks from a meta message and the
// chunks it announces.
//
// Chunks and meta may arrive in any order and more than once. A block is
// emitted exactly once, when meta is present and every index in
// [0, total) has arrived. Blocks that do not complete within MaxAge are
// abandoned by Sweep; a chunk that arrives afterwards starts a new entry.
package reassembly
