/*
Package types defines the core data structures shared by every component
of the slice orchestrator.

A Slice is the unit of work: a user-described virtual topology (one to
three sub-topologies of VMs joined by named links) plus its
materialization on one of the two backing clusters. The package carries
the slice lifecycle kinds, the VM runtime states and the derivation rule
that folds VM states into a slice state, the security group and rule
model, the image catalog row, VNC display reservations, and the per-zone
placement ledger entries.

Types here are plain serializable structs with no behavior beyond
parsing and derivation helpers; all orchestration logic lives in the
component packages that consume them.
*/
package types
