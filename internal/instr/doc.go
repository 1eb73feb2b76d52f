// Package instr defines the engine's unit of work.
//
// An Instruction carries an Operand (a closed set of kinds: call, copy,
// release, control, and the fused wrapper the scheduler builds), the resource
// slots it reads and writes, a target stream and a lifecycle State. Live
// instructions are addressed through generation-checked Handles issued by an
// Arena, so an edge to an instruction that has since been reclaimed simply
// fails to resolve instead of dangling.
package instr
