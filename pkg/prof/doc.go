// Package prof provides on-demand profiling for the driver tools.
//
// It wraps [runtime/pprof] and [net/http/pprof] and is conditionally
// compiled using the "profile" build tag:
//
//	go build -tags profile ./cmd/ehcictl
//
// When built without the "profile" tag, [Start] with zero [Options]
// returns an inert session and any requested profile fails with
// [ErrDisabled], so profiling flags can stay wired in production builds.
//
// # Sessions
//
// A session starts CPU profiling and the HTTP endpoint, and writes the
// snapshot profiles when it stops:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Mutex: "mutex.prof"})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Mutex profiling is the interesting one for the driver: every transfer,
// port operation and interrupt tick serializes on the controller lock.
package prof
