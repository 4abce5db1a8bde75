// Command oskit-sim boots a simulated machine and runs a scenario of
// workload threads on it, then prints per-thread scheduling statistics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/OSPreservProject/oskit-sub005/internal/clock"
	"github.com/OSPreservProject/oskit-sub005/internal/config"
	"github.com/OSPreservProject/oskit-sub005/internal/machine"
	"github.com/OSPreservProject/oskit-sub005/internal/thread"
	"github.com/OSPreservProject/oskit-sub005/internal/timeslice"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var errBudget = errors.New("scenario did not finish within its tick budget")

type simulator struct {
	cfg       config.Config
	m         *machine.Machine
	step      time.Duration
	wallclock bool
	bar       *progressbar.ProgressBar
}

func (s *simulator) spawn() ([]workload, []workload, error) {
	var all, joinable []workload
	for _, tc := range s.cfg.Threads {
		attr, err := tc.Attr()
		if err != nil {
			return nil, nil, err
		}
		id, err := s.m.Spawn(machine.Workload{
			Attr:    attr,
			Cost:    tc.Cost.Duration(),
			Periods: tc.Periods,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("spawn %s: %w", tc.Name, err)
		}
		th := workload{id: id, name: tc.Name}
		all = append(all, th)
		if !tc.Detached {
			joinable = append(joinable, th)
		}
	}
	return all, joinable, nil
}

// drive raises timer interrupts until done closes. Once the tick budget is
// spent or ctx ends it cancels every workload and keeps ticking so they can
// reach a cancellation point.
func (s *simulator) drive(ctx context.Context, done <-chan struct{}, threads []workload) error {
	sch := s.m.Scheduler()
	var stopErr error
	for {
		select {
		case <-done:
			return stopErr
		default:
		}
		if stopErr == nil {
			select {
			case <-ctx.Done():
				stopErr = ctx.Err()
				s.cancelAll(threads)
			default:
			}
		}

		if s.wallclock {
			time.Sleep(s.m.TickPeriod())
		} else {
			s.m.Step(1)
			time.Sleep(s.step)
		}
		if s.bar != nil {
			_ = s.bar.Set64(int64(min(sch.Ticks(), uint64(s.cfg.MaxTicks))))
		}

		if stopErr == nil && sch.Ticks() >= uint64(s.cfg.MaxTicks) {
			stopErr = fmt.Errorf("%w (%d ticks)", errBudget, s.cfg.MaxTicks)
			slog.Warn("oskit-sim: tick budget exhausted", "ticks", sch.Ticks())
			s.cancelAll(threads)
		}
	}
}

func (s *simulator) cancelAll(threads []workload) {
	for _, th := range threads {
		if err := s.m.Scheduler().Cancel(th.id); err != nil {
			slog.Debug("oskit-sim: cancel", "thread", th.id, "error", err)
		}
	}
}

func (s *simulator) join(threads []workload, done chan<- struct{}) error {
	defer close(done)
	for _, th := range threads {
		status, err := s.m.Scheduler().Join(nil, th.id)
		if err != nil {
			return fmt.Errorf("join %s: %w", th.name, err)
		}
		slog.Debug("oskit-sim: thread finished", "thread", th.id, "name", th.name, "status", status)
	}
	return nil
}

func (s *simulator) report(w io.Writer) {
	fmt.Fprintf(w, "%4s %-16s %-6s %-8s %5s %8s %8s %6s\n",
		"ID", "NAME", "POLICY", "STATE", "PRIO", "LIFETIME", "CHILD", "MISSES")
	for _, st := range s.m.Scheduler().AllStats() {
		fmt.Fprintf(w, "%4d %-16s %-6s %-8s %5d %8d %8d %6d\n",
			st.ID, st.Name, st.Policy, st.State, st.Priority, st.Lifetime, st.ChildTicks, st.Misses)
	}
	fmt.Fprintf(w, "ticks=%d simulated=%s\n", s.m.Scheduler().Ticks(), s.m.Clock().Now())
}

type workload struct {
	id   thread.ID
	name string
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	scenario := fs.String("scenario", "", "Scenario YAML file (default: an idle machine)")
	dbg := fs.Bool("debug", false, "Enable debug logging")
	timesliceFile := fs.String("timeslice-file", "", "Record scheduler run slices to this file")
	wallclock := fs.Bool("wallclock", false, "Drive the timer from the host clock instead of stepping simulated time")
	step := fs.Duration("step", 200*time.Microsecond, "Host delay between simulated ticks")
	maxTicks := fs.Int("max-ticks", 0, "Override the scenario tick budget")
	writeScenario := fs.String("write-scenario", "", "Write the effective scenario to this file and exit")
	quiet := fs.Bool("quiet", false, "Disable the progress bar")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := config.Default()
	if *scenario != "" {
		var err error
		cfg, err = config.Load(*scenario)
		if err != nil {
			return err
		}
	} else {
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if *maxTicks > 0 {
		cfg.MaxTicks = *maxTicks
	}

	level := cfg.Level()
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *writeScenario != "" {
		return config.Write(*writeScenario, cfg)
	}

	if *timesliceFile != "" {
		f, err := os.Create(*timesliceFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()

		w, err := timeslice.Open(f)
		if err != nil {
			return fmt.Errorf("open timeslice file: %w", err)
		}
		defer w.Close()
	}

	var clk clock.Clock = clock.NewManual(0)
	if *wallclock {
		clk = clock.NewMonotonic()
	}

	m, err := machine.New(
		machine.WithCPUs(cfg.Machine.CPUs),
		machine.WithHZ(cfg.Machine.HZ),
		machine.WithQuantum(cfg.Machine.Quantum),
		machine.WithMaxThreads(cfg.Machine.MaxThreads),
		machine.WithVectors(cfg.Machine.Vectors),
		machine.WithEDFSlack(cfg.Machine.Slack.Duration()),
		machine.WithClock(clk),
		machine.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}
	m.Start()
	defer m.Stop()

	sim := &simulator{cfg: cfg, m: m, step: *step, wallclock: *wallclock}
	if !*quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		sim.bar = progressbar.NewOptions(cfg.MaxTicks,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(cfg.Name),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	all, joinable, err := sim.spawn()
	if err != nil {
		return err
	}
	slog.Info("oskit-sim: scenario started", "name", cfg.Name, "threads", len(all), "cpus", cfg.Machine.CPUs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	done := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.join(joinable, done) })
	g.Go(func() error { return sim.drive(ctx, done, all) })
	runErr := g.Wait()

	if sim.bar != nil {
		_ = sim.bar.Finish()
	}
	sim.report(os.Stdout)
	return runErr
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "oskit-sim: %v\n", err)
		os.Exit(1)
	}
}
