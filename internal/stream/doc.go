// Package stream implements ordered execution lanes.
//
// A Stream has two sides. The scheduler goroutine owns the ready FIFO and the
// in-flight FIFO and talks to the stream through Enqueue, Dispatch and Poll,
// none of which block. A worker goroutine (Run) executes dispatched
// instructions strictly in dispatch order and publishes each result through
// the instruction's completion flag, which Poll queries.
package stream
