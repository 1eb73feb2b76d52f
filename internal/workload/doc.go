// Package workload turns a loaded program (`config.Model`) into engine work.
//
// # How It Works
//
// EngineConfig maps the program's engine block onto an `engine.Config`.
// Build then walks the program's ops and releases in order: declared tensors
// are registered first, undeclared outputs get their shapes from kernel
// shape inference, and each step becomes one instruction. Run submits all
// instructions as a single batch, waits for it and reads the fetched tensors
// back to the host.
package workload
