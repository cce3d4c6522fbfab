// Package taskqueue provides the per-agent work queue.
//
// Every agent session owns exactly one Queue. Producers (the session manager,
// mailbox delivery and the sleep/wake controller) call Enqueue, which never
// blocks. The owning session is the only consumer; it calls Dequeue with a
// filter that reflects its current state, so a sleeping agent only takes wake
// tasks and a waiting agent only takes the tool result it is parked on.
//
// Ordering is FIFO with one exception: wake tasks and urgent tasks are placed
// after any queued wake/urgent tasks but ahead of everything else.
package taskqueue
