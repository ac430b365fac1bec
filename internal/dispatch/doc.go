// Package dispatch runs the worker loop that turns claimed change requests
// into external platform calls.
//
// Each worker polls the store for a batch of due requests and handles every
// claimed request in its own goroutine:
//
//   - Acquire a slot from the shared rate limiter. On denial the request is
//     requeued after a short delay without spending an attempt.
//   - Wait until claimed_at plus the request's jitter delay.
//   - Confirm the claim is still held and no cancellation was requested.
//   - For budget changes, read the current budget and run the velocity cap
//     and fuzz. Clamp and fuzz are audited before the call.
//   - Call the external client under the apply timeout.
//   - Classify the result with the retry policy and record the outcome.
//
// Shutdown:
//   - Requests whose external call has not started are released to PENDING.
//   - Requests whose call was interrupted are left to the lease reclaimer,
//     since the platform may or may not have applied them.
//
// Terminal failures raise exactly one alert: only the worker whose guarded
// outcome write succeeded notifies.
package dispatch
