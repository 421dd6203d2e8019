// Package errors provides the structured error taxonomy for llmdispatch.
//
// # Error Categories
//
//   - Transient: the request may succeed if resubmitted (canceled, closed)
//   - Permanent: resubmitting will not help (expired, unknown provider, bad config)
//   - Resource: throttling or exhausted capacity (429s, client throttle, exhausted chain)
//   - Internal: transport failures passed through unchanged, or bugs
//
// # Error Codes
//
//   - RATE_LIMITED: a provider signaled throttling; handled inside the dispatcher
//   - REQUEST_EXPIRED: a request sat in a queue longer than the max request age
//   - PROVIDER_EXHAUSTED: primary, fallback chain and retry budget all failed
//   - UNKNOWN_PROVIDER: no queue is configured for the requested name
//   - PROVIDER_FAILED: any other transport failure, surfaced immediately
//
// # Usage
//
//	resp, err := pool.Execute(ctx, "groq", req, sessionID)
//	if errors.IsTerminal(err) {
//	    // no decision available this tick, fall back to idle behavior
//	}
//
// Errors serialize to JSON for the HTTP API:
//
//	data, err := json.Marshal(dispatchErr)
package errors
