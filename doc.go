// Package overlaymap provides a two-layered associative container. Every key
// holds a current value, the foreground, and may hold the value it most
// recently replaced, the background. Updating a key keeps exactly one step
// of history, and the retained value is never copied or relocated to do so.
//
// The two building blocks are Cell, the two-slot storage behind each key,
// and Map, which wires cells into a hash table where every operation costs a
// single probe.
package overlaymap
