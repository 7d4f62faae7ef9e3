package prof

// Profile names a pprof profile.
type Profile string

// Profile types.
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

// String returns the profile name.
func (p Profile) String() string {
	return string(p)
}

// Options selects what a session records. Empty fields are disabled.
type Options struct {
	CPU   string // CPU profile path
	Heap  string // Heap profile path, written by Stop
	Mutex string // Mutex profile path, written by Stop
	Addr  string // Listen address for the /debug/pprof/ endpoint

	// Fraction of mutex contention events sampled; defaults to 1.
	Fraction int
}

// IsZero reports whether no profile is requested.
func (o Options) IsZero() bool {
	return o.CPU == "" && o.Heap == "" && o.Mutex == "" && o.Addr == ""
}

// MutexFraction returns the mutex sampling fraction to use.
func (o Options) MutexFraction() int {
	if o.Fraction <= 0 {
		return 1
	}
	return o.Fraction
}
