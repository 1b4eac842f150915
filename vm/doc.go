// Package vm implements the quill execution engine.
//
// This package contains:
//   - vector values with attributes, promises and futures
//   - the arena heap of environments and its collector
//   - the register bytecode interpreter and argument matching
//   - the trace recorder, the trace cache and the trace executor
//   - deferred vector fusion
//   - builtins and the printer
package vm
