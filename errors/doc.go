// Package errors provides structured error types for the subgraph runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: field path, deployment, offending value,
// and cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDecode, errors.KindInvalidData).
//		Path("data", "owner").
//		Detailf("unknown tag %d", tag).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.AlreadyRunning("QmDeployment")
//	err := errors.OutOfBounds(errors.PhaseDecode, path, offset, length, size)
//
// Faults raised while a mapping handler executes are reported as *Trap values,
// classified by TrapKind. A trap aborts only the current handler invocation.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
