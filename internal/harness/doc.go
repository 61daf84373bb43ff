// Package harness runs sync scenarios against a real engine wired to a
// scripted authority.
//
// # Scenario Format
//
// Scenarios are YAML files decoded with strict field checking:
//
//	name: create_then_update_offline
//	description: "What this scenario shows"
//	workers: 1
//	setup:
//	  online: false
//	  breaker: { failure_threshold: 5, reset_timeout: 30s }
//	  responses:
//	    create-course:
//	      - error: network
//	    delete-assignment:
//	      - error: conflict
//	        current: { id: a1, deleted_at: "2026-01-04T10:00:00Z" }
//	  server:
//	    - { entity: assignment, id: a1, record: { id: a1, version: 3 } }
//	steps:
//	  - enqueue: { type: CREATE, entity: course, resource: temp_course_1, payload: { name: Biology } }
//	  - online: true
//	  - drain: true
//	  - advance: 31s
//	  - corrupt_queue: "{not json"
//	assertions:
//	  - { type: call_order, actions: ["create-course temp_course_1"] }
//	  - { type: call_count, action: create-course, count: 1 }
//	  - { type: queue_len, count: 0 }
//	  - { type: status, mutation: m-1, status: rejected }
//	  - { type: breaker, endpoint: create-course, state: closed }
//
// Replies under setup.responses are consumed in order per action. Once an
// action's list runs out the authority accepts the call and assigns
// "srv-<entity>-<n>" ids to creates.
//
// # Trace
//
// Run records one line per observable event: enqueues, remote calls with
// their canonical bodies, drain reports, notices, breaker states and the
// final queue. The trace is plain text so golden files read as a log:
//
//	enqueue m-1 CREATE course temp_course_1 seq=1
//	call create-course temp_course_1 {"name":"Biology"} -> ok id=srv-course-1
//	drain dispatched=1 succeeded=1 failed=0 resolved=0 abandoned=0 rejected=0 deferred=0 skipped=0 remaining=0
//
// RunWithGolden compares it with testdata/golden/<name>.golden. Regenerate
// with:
//
//	go test ./internal/harness -update
package harness
