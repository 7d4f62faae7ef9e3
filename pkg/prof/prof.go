//go:build profile

package prof

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an invalid or unsupported profile type.
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrDisabled is never returned when built with the "profile" tag.
	ErrDisabled = errors.New("profiling disabled")
)

// Enabled reports whether the binary was built with the "profile" tag.
func Enabled() bool { return true }

var (
	// cpuMutex protects cpuActive.
	cpuMutex  sync.Mutex
	cpuActive bool
)

// Session is a running profiling session.
type Session struct {
	opts   Options
	cpu    *os.File
	server *http.Server
	addr   string
	once   sync.Once
	err    error
}

// Start begins a profiling session.
func Start(opts Options) (*Session, error) {
	s := &Session{opts: opts}

	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(opts.MutexFraction())
	}

	if opts.CPU != "" {
		if err := s.startCPU(); err != nil {
			return nil, err
		}
	}

	if opts.Addr != "" {
		ln, err := net.Listen("tcp", opts.Addr)
		if err != nil {
			s.stopCPU()
			return nil, err
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.server = &http.Server{Handler: mux}
		s.addr = ln.Addr().String()
		go s.server.Serve(ln)
	}

	return s, nil
}

// Addr returns the address of the HTTP endpoint, or "" if none is served.
func (s *Session) Addr() string {
	return s.addr
}

func (s *Session) startCPU() error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuActive {
		return ErrCPUProfileActive
	}
	f, err := os.Create(s.opts.CPU)
	if err != nil {
		return err
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	s.cpu = f
	cpuActive = true
	return nil
}

func (s *Session) stopCPU() error {
	if s.cpu == nil {
		return nil
	}
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	rpprof.StopCPUProfile()
	cpuActive = false
	err := s.cpu.Close()
	s.cpu = nil
	return err
}

// Stop ends the session: CPU profiling stops, the heap and mutex snapshots
// are written and the HTTP endpoint closes. Later calls return the first
// result.
func (s *Session) Stop() error {
	s.once.Do(func() {
		var errs []error
		errs = append(errs, s.stopCPU())
		if s.opts.Heap != "" {
			errs = append(errs, writeFile(ProfileHeap, s.opts.Heap))
		}
		if s.opts.Mutex != "" {
			errs = append(errs, writeFile(ProfileMutex, s.opts.Mutex))
			runtime.SetMutexProfileFraction(0)
		}
		if s.server != nil {
			errs = append(errs, s.server.Close())
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}

func writeFile(p Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(p, f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write writes a snapshot profile to w. Debug level 0 produces protobuf
// output for go tool pprof; 1 produces text.
func Write(p Profile, w io.Writer, debug int) error {
	if p == ProfileCPU {
		return fmt.Errorf("%w: %s needs a session", ErrInvalidProfile, p)
	}
	prof := rpprof.Lookup(string(p))
	if prof == nil {
		return fmt.Errorf("%w: %s", ErrInvalidProfile, p)
	}
	return prof.WriteTo(w, debug)
}
