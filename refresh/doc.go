// Package refresh provides the client-side single-flight refresh
// coordinator.
//
// A [Coordinator] holds the client's current access/refresh pair and wraps
// outbound API calls. When several concurrent calls observe authorization
// failures against a stale access credential, exactly one rotation request
// reaches the server; the rest suspend on a FIFO queue and retry once with
// whatever credential the in-flight refresh produces. Refresh failures are
// retried up to a bounded ceiling; exhausting it, or any reuse rejection,
// terminates the session and fires the sign-out callback.
//
// # Architecture boundaries
//
// The package talks to the server through a caller-supplied [RefreshFunc]
// only. It holds no persistent state and knows nothing about transport,
// storage, or token formats.
package refresh
