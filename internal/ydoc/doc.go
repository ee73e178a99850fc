// Package ydoc implements the shared collaborative document.
//
// A Doc holds named top-level collections: Arrays of record Maps (jobs,
// triggers, edges), Maps (positions, workflow metadata) and collaborative
// Text values nested inside records (job bodies). Every replica of a
// document converges to the same contents once it has seen the same set of
// updates, in any order.
//
// # Transactions
//
// All writes happen inside Doc.Transact. A transaction may touch any number
// of collections; when it returns, the document emits exactly one Update
// event carrying every operation it made. Observers therefore never see a
// state where, say, a job was removed but its edges were not.
//
// Reads that need a consistent view of several collections use Doc.View,
// which holds the document lock for the duration of the callback.
//
// # Update Events
//
// Update listeners run after the transaction has committed and the lock has
// been released, one event at a time, in commit order. A listener may start
// a new transaction; its event is delivered after the current one.
//
// # Replication
//
// Every operation carries an ID made of the replica's client id and a
// Lamport clock value. Sequences (arrays, text) are RGA lists ordered by
// those IDs; map keys are last-writer-wins by ID. Updates encode to CBOR
// with deterministic encoding, so the same operations always produce the
// same bytes. ApplyUpdate is idempotent and tolerates out-of-order
// delivery: operations whose dependencies have not arrived are parked until
// they can be integrated.
//
// # Thread-Safety
//
// Doc is safe for concurrent use. Map, Array and Text handles are bound to
// their Doc and must only be read or written through a Tx.
package ydoc
