// Package graph answers reachability and legality questions over a
// workflow graph snapshot.
//
// A Graph is an ephemeral projection of the shared document: nodes are jobs
// and triggers, edges connect a source node to a target job. The functions
// here are pure; they never mutate the graph and never touch the document.
//
// DropTargetError is the single authority for whether a new edge may be
// added. The drag-and-drop layer calls it while hovering, and the workflow
// store calls it again before committing an edge, so both paths agree.
//
// Checks run in a fixed priority order and the first match wins:
//
//  1. source == target                       -> self connection
//  2. target is a trigger                    -> cannot connect to a trigger
//  3. target already reaches source          -> circular workflow
//  4. an edge source -> target already exists -> already connected
//
// Reachability is a breadth-first traversal with a visited set, so graphs
// with diamonds (several paths converging on one node) are explored once
// per node rather than once per path.
package graph
