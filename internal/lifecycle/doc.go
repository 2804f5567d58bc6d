// Package lifecycle gives shared infrastructure a reference-counted
// start/stop state machine.
//
// A Service moves through STOPPED → STARTING → STARTED → STOPPING →
// STOPPED. Dependents call Start with their own consumer name and Stop with
// the same name when they are done. Initialize runs once for the first
// consumer; Shutdown runs once when the last consumer leaves. Concurrent
// callers that arrive while a transition is in flight wait on that same
// transition and observe its outcome.
//
//	conn := bus.NewConn(cfg, registry, services, logger)
//	if err := conn.Start(ctx, "fleet-manager"); err != nil {
//	    return err
//	}
//	defer conn.Stop(ctx, "fleet-manager")
//
// A Registry tracks every service that is not STOPPED so an orderly
// shutdown can report which consumers still hold a shared resource.
package lifecycle
