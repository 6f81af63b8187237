// Package scheduler fires periodic and one-shot tasks across a cluster.
//
// Every node runs a loop per task. When a firing is due, the node claims it
// with a compare-and-swap on the task's trigger context; only the winner
// submits the body to the task engine. Losers re-read the context and sleep
// until the next firing. Dynamic tasks live entirely in the store, so any node
// can restore and run them after a restart.
package scheduler
