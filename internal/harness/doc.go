// Package harness runs bonding scenarios written in YAML against an
// in-memory pipeline and checks the outcome.
//
// # Scenario Format
//
//	name: cascade_to_kb
//	description: "Two byte records bond into one KB record"
//	lanes: 2
//	tiers:
//	  - { name: bit, threshold: 2 }
//	  - { name: byte, threshold: 2 }
//	  - { name: KB }
//	contracts: contracts.cue        # optional, relative to the scenario file
//	flow:
//	  - append: { account: addr1, tier: bit, frequencies: [1, 2] }
//	  - bond: { account: addr1, tier: bit }
//	    expect: { outcome: bonded, index: 1, frequency: "1.50" }
//	assertions:
//	  - type: lane_depths
//	    account: addr1
//	    tier: bit
//	    depths: [0, 0]
//	  - type: record
//	    account: addr1
//	    tier: byte
//	    expect: { sourceTier: bit, atomicWeight: 4 }
//
// An append step without a lane writes the same frequencies to every lane.
//
// # Assertion Types
//
//   - lane_depths: the atom count of every lane of (account, tier)
//   - record: subset match on the JSON of one stored record
//   - promotion_count: promotions handed to the audit sink
//   - trace_count: trace events with a given step and outcome
//
// # Deterministic Testing
//
// Atom timestamps advance one second per atom and IVs/auth tags are numbered,
// so traces are identical across runs and can be compared to golden files
// with RunWithGolden.
package harness
