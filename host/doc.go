// Package host runs compiled mapping modules in a wazero sandbox.
//
// An Engine owns the wazero runtime and the "env" host module that every
// mapping imports from. NewModule compiles bytecode and checks its
// apiVersion tag, imports and required exports before anything runs. A
// RuntimeHost is one instance of a module bound to one data source of a
// deployment: ProcessTrigger encodes a trigger into guest memory, calls the
// matching handlers and collects the entity operations they stage into a
// MappingContext.
//
// Guest failures surface as *errors.Trap values. A trap discards every
// operation staged in the context. A trap that closes the instance, such as
// an exceeded handler deadline, leaves the host Corrupted and it has to be
// rebuilt.
package host
