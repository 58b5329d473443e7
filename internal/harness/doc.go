// Package harness replays end-to-end workflow scenarios written in YAML
// against a real engine on an in-memory SQLite store.
//
// # Scenario Format
//
//	name: s6_empty_inner_merge
//	description: "An inner merge without common keys fails and changes nothing"
//	setup:
//	  - op: create_workflow
//	    name: course
//	  - op: upload
//	    keys: [sid]
//	    csv: |
//	      sid,name
//	      1,Ana
//	flow:
//	  - op: merge
//	    csv: |
//	      sid,score
//	      100,7
//	    merge: {how: inner, left_on: sid, right_on: sid}
//	    expect: {error: EMPTY_MERGE_RESULT}
//	assertions:
//	  - type: unchanged
//
// Operations: create_workflow, upload, merge, rename_column,
// create_action, create_view, render and hit. Setup steps must succeed.
// A flow step with an expect clause must fail with that error kind; any
// other failing step fails the scenario.
//
// Assertion types:
//   - table: row count, column names and cells, optionally through a view
//     and a filter
//   - column: registered type and key flag of one column
//   - messages: texts of the last render
//   - unchanged: the table digest equals the one taken after setup
//   - tracking_log: number of hits logged
//
// Every step adds an event to the trace, which is compared against a
// golden file by RunWithGolden. Timestamps come from a fixed clock and ids
// from a sequence, so the same scenario always produces the same trace.
package harness
