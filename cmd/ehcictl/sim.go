package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/ehci/host"
	"github.com/ardnew/ehci/host/hal"
	"github.com/ardnew/ehci/host/hal/ehci"
	"github.com/ardnew/ehci/host/hal/ehci/ehcisim"
	"github.com/ardnew/ehci/pkg"
)

// simFrame is how much simulated time passes per tick of the sim clock.
const simFrame = time.Millisecond

type simOptions struct {
	duration time.Duration
	ports    int
	speed    string
	product  string
	report   time.Duration
	chunk    int
	rounds   int
}

func newSimCmd(root *rootOptions) *cobra.Command {
	opts := simOptions{}

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run the driver against a simulated controller",
		Long: `sim attaches a test gadget to port 1 of a simulated EHCI ` +
			`controller, enumerates it, prints the reports from its interrupt ` +
			`endpoint and loops data through its bulk endpoints until ` +
			`interrupted, the duration passes or the rounds are done.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSim(cmd.Context(), cmd.OutOrStdout(), opts, root)
		},
	}

	f := cmd.Flags()
	f.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	f.IntVar(&opts.ports, "ports", 2, "number of root ports")
	f.StringVar(&opts.speed, "speed", "high", "gadget speed (high, full, low)")
	f.StringVar(&opts.product, "product", "EHCI Gadget", "gadget product string")
	f.DurationVar(&opts.report, "report-every", 50*time.Millisecond, "simulated time between interrupt reports (0 disables)")
	f.IntVar(&opts.chunk, "chunk", 4096, "bytes per loopback round")
	f.IntVar(&opts.rounds, "rounds", 0, "stop after this many loopback rounds (0 is unlimited)")
	return cmd
}

func parseSpeed(s string) (hal.Speed, error) {
	switch strings.ToLower(s) {
	case "high", "hs":
		return hal.SpeedHigh, nil
	case "full", "fs":
		return hal.SpeedFull, nil
	case "low", "ls":
		return hal.SpeedLow, nil
	}
	return hal.SpeedUnknown, fmt.Errorf("%w: speed %q", pkg.ErrInvalidParameter, s)
}

func runSim(ctx context.Context, w io.Writer, opts simOptions, root *rootOptions) error {
	speed, err := parseSpeed(opts.speed)
	if err != nil {
		return err
	}
	if opts.chunk <= 0 {
		return fmt.Errorf("%w: chunk %d", pkg.ErrInvalidParameter, opts.chunk)
	}
	out := &syncWriter{w: w}

	sim := ehcisim.New(ehcisim.Options{Ports: opts.ports})
	gadget := ehcisim.NewGadget(ehcisim.GadgetConfig{Speed: speed, Product: opts.product})
	if err := sim.Attach(1, gadget); err != nil {
		return err
	}

	hc, err := ehci.New(ehci.Config{
		Regs:         sim,
		Memory:       sim.Memory(),
		Stall:        sim.Stall,
		PollInterval: 125 * time.Microsecond,
	})
	if err != nil {
		return err
	}
	defer hc.Close()

	if err := printController(out, hc); err != nil {
		return err
	}

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := host.New(hc, host.Config{
		ScanInterval: 10 * time.Millisecond,
		Sleep:        sim.Advance,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runClock(gctx, sim, gadget, opts.report)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return exercise(gctx, out, h, opts, root)
	})

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// runClock advances simulated time one frame per real millisecond and
// queues a gadget report every period of simulated time.
func runClock(ctx context.Context, sim *ehcisim.Controller, gadget *ehcisim.Gadget, period time.Duration) {
	tk := time.NewTicker(time.Millisecond)
	defer tk.Stop()

	var seq uint8
	next := sim.Now() + period
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
		sim.Advance(simFrame)
		if period > 0 && sim.Now() >= next {
			gadget.QueueReport([]byte{seq, ^seq})
			seq++
			next = sim.Now() + period
		}
	}
}

// exercise waits for the gadget to enumerate, opens its interrupt pipe and
// loops data through its bulk endpoints.
func exercise(ctx context.Context, out io.Writer, h *host.Host, opts simOptions, root *rootOptions) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	defer h.Stop()

	dev, err := h.WaitDevice(ctx)
	if err != nil {
		if st, serr := h.Controller().PortStatus(1); serr == nil && st.Owner {
			fmt.Fprintf(out, "port 1: %s device released to companion controller\n", st.Speed)
			return nil
		}
		return err
	}
	printDevice(out, dev, root.usbDB())

	var reports atomic.Int64
	err = dev.StartInterrupt(ehcisim.InterruptEndpoint, func(data []byte, res pkg.TransferResult) error {
		if err := res.Err(); err != nil {
			return err
		}
		reports.Add(1)
		fmt.Fprintf(out, "report % x\n", data)
		return nil
	})
	if err != nil {
		return err
	}
	defer dev.StopInterrupt(ehcisim.InterruptEndpoint)

	pipe, err := host.NewPipe(dev, ehcisim.BulkInEndpoint, ehcisim.BulkOutEndpoint)
	if err != nil {
		return err
	}

	rounds, err := loopback(ctx, pipe, opts.chunk, opts.rounds)
	fmt.Fprintf(out, "loopback: %d rounds of %d bytes, %d reports\n", rounds, opts.chunk, reports.Load())
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// loopback writes a pattern through pipe and reads it back until ctx is
// done or limit rounds complete.
func loopback(ctx context.Context, pipe *host.Pipe, size, limit int) (int, error) {
	want := make([]byte, size)
	got := make([]byte, size)

	rounds := 0
	for ctx.Err() == nil && (limit == 0 || rounds < limit) {
		for i := range want {
			want[i] = byte(rounds + i)
		}
		if _, err := pipe.Write(ctx, want); err != nil {
			return rounds, fmt.Errorf("loopback write: %w", err)
		}
		for n := 0; n < size; {
			m, err := pipe.Read(ctx, got[n:])
			if err != nil {
				return rounds, fmt.Errorf("loopback read: %w", err)
			}
			n += m
		}
		if !bytes.Equal(want, got) {
			return rounds, fmt.Errorf("%w: loopback data mismatch in round %d", pkg.ErrDeviceError, rounds)
		}
		rounds++
	}
	return rounds, nil
}
