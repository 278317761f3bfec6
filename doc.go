// Package crudefunctions hosts a durable job queue and scheduler core: a
// priority job queue with claim leases and retries, a scheduler offering
// one-off, concurrent-interval, sequential-interval and dynamic
// schedules, a worker-pool-bounded job processor, and an in-process
// typed event bus that ties them together.
//
// Sub-packages are independently importable:
//
//	import "github.com/xkonti/crude-functions/instanceid" // per-process lease-owner id
//	import "github.com/xkonti/crude-functions/eventbus"   // typed in-process pub/sub
//	import "github.com/xkonti/crude-functions/jobqueue"   // durable priority job queue
//	import "github.com/xkonti/crude-functions/scheduler"  // persistent schedules
//	import "github.com/xkonti/crude-functions/processor"  // worker loop
//	import "github.com/xkonti/crude-functions/envelope"   // payload encryption collaborator
//
// The remaining top-level packages (l3, errutils, codec, config, fsutils,
// collections, managers, lifecycle, pool, secrets, uuid, textutils) are
// ambient infrastructure the core packages above build on.
package crudefunctions
