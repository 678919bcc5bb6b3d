// Package monitor defines the domain model shared by the scheduler, the
// worker agents and the stores: groups and their lifecycle state machine,
// the task and result variants exchanged over the coordination bus, and the
// interfaces the core depends on (stores, messaging client, clock, queues).
package monitor
