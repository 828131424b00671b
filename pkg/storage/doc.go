/*
Package storage provides persistent state management for the orchestrator.

The Store interface is implemented by a BoltDB-backed store holding one
bucket per table: slices (the rows of record, keyed by monotonic id),
security groups (including the template row at slice id 0, seeded on
first open), images, VNC display reservations, and one placement ledger
bucket per zone. Rows are JSON documents, matching the rest of the
pipeline which passes slice request documents around as JSON.

BoltDB's single-writer transactions double as the table-level locks the
pipeline relies on: VNC display reservation and ledger mutation each run
inside one Update transaction, so concurrent slices can never claim the
same display or observe a half-written ledger.
*/
package storage
