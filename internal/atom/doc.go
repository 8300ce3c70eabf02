// Package atom defines the records that flow through the bonding pipeline.
//
// An Atom is the smallest unit at a tier. A BondedRecord is an Atom at the
// next tier up that carries an audit copy of the atoms it was built from.
// Both share one struct so a ledger file at any tier decodes the same way.
//
// This package imports nothing internal. Every other internal package
// builds on it.
//
// Ordering inside a lane is by SequenceIndex, never by array position or
// wall-clock timestamps.
package atom
