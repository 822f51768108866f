// Package harness runs resolution scenarios against the real ingestion
// pipeline and resolver.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: charles_ordinal_veto
//	description: "Charles VIII must never link to Charles VII"
//	seed:
//	  - path: seed.txt
//	    mentions:
//	      - text: Charles VII
//	documents:
//	  - path: f1.txt
//	    mentions:
//	      - text: Charles VIII
//	        type: person
//	verdicts:
//	  Alexander: person:alexander the great
//	assertions:
//	  - type: entity
//	    key: person:charles viii
//	    mentions: 1
//	  - type: entity_count
//	    count: 2
//
// Seed documents are ingested in a first run, documents in a second run
// that resumes from the first run's checkpoint. When verdicts are present
// the resolver then drains the pending queue, answering each oracle
// request from the verdict table. A verdict value is either the key of a
// candidate to link to or "new".
//
// # Assertion Types
//
//   - entity: the key exists, optionally with a mention count and aliases
//   - entity_absent: the key does not exist (never created, or merged away)
//   - entity_count: the registry holds exactly count records
//   - pending: the key was exported to the pending queue, optionally with
//     exactly the listed candidate keys
//   - pending_count: the pending queue holds exactly count items
//   - outcome: the item deferred for key was resolved with outcome and,
//     for links, the linked key
//   - summary: a counter of the ingestion summary equals count
//
// # Determinism
//
// Every scenario runs in a fresh temporary data directory with a fixed
// clock and run ID, so the registry snapshot it produces is stable enough
// for golden comparison. After the assertions the harness replays every
// document once more and fails the scenario if the replay changes
// anything.
package harness
