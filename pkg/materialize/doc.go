// Package materialize builds the argument struct used to run a compiled
// expression inside a target process.
//
// materialize implements all core functionality including:
// * laying out the struct (offset and alignment computation)
// * copying values, or references to values, into target memory
// * reading results back out and reconciling them after execution
// * releasing scratch memory allocated in the target
//
// The package does not access the target directly; all memory, register and
// symbol operations go through the interfaces declared in interfaces.go.
package materialize
