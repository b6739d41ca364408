// Package csrf provides session-bound, single-use CSRF tokens and an Ajax
// request gate for Go net/http servers.
//
// How it works
//   - Registry creates named tokens (32 random bytes, 64 hex characters) in a
//     client session and validates them exactly once. Besides plain Process,
//     tokens can be checked against a maximum age (ProcessMaxAge), a minimum
//     age (ProcessMinAge), or an escalating minimum age that grows with the
//     number of attempts (ProcessLimited).
//   - Gate checks the request method and same-origin evidence (Begin), pulls
//     the submitted token out of the body, query, cookie or both form sources
//     (VerifyToken), and reduces the outcome to 200 or 400. Clients never
//     learn which check failed.
//
// # Configuration
//
// Gate behavior is driven by Config:
//   - Origin: OriginRefererChecker (default, fail closed), RefererChecker or
//     HostHeaderChecker
//   - WindowPolicy: WindowMaxAge (default) or WindowMinAge
//   - Registry, Logger (zap) and Metrics (Prometheus)
//
// Typical usage
//
//	gate := csrf.New(csrf.Config{})
//	r.Use(manager.Middleware) // session.Manager
//	r.With(gate.Issue("contact")).Get("/csrf-token", gate.TokenHandler().ServeHTTP)
//	r.Post("/contact", func(w http.ResponseWriter, r *http.Request) {
//	    sess, _ := session.FromContext(r.Context())
//	    if !gate.Begin(w, r, http.MethodPost, "json") {
//	        gate.Reject(w)
//	        return
//	    }
//	    gate.Respond(w, gate.VerifyToken(r.Context(), r, sess, "contact", csrf.SourceBody, 0))
//	})
//
// Concurrent requests of one session are not serialized; the attempt counter
// of ProcessLimited in particular can lose increments under a race.
package csrf
