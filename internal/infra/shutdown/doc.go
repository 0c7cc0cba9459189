// Package shutdown provides graceful shutdown for tablesnap.
//
// A Handler waits for SIGINT or SIGTERM and then runs the registered
// hooks in reverse order under a shared timeout. SIGHUP runs the reload
// callbacks instead. The server registers the engine close as its
// first hook so the final snapshot is written after the HTTP listener
// is gone.
package shutdown
