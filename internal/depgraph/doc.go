// Package depgraph connects newly submitted instructions to the live
// instruction set.
//
// For every resource slot the Builder remembers the last writer and the
// readers since that write. A read depends on the last writer (RAW); a write
// depends on the last writer (WAW) and on every reader since (WAR). Edges to
// instructions that are already Done, or that have been reclaimed, are not
// created: their effects are visible already.
package depgraph
