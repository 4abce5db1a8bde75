// Command timeslice summarises a run-slice file recorded by oskit-sim.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/OSPreservProject/oskit-sub005/internal/timeslice"
)

type sliceKey struct {
	Kind   string
	Thread int
}

type timesliceRecord struct {
	Key   sliceKey
	Flags timeslice.SliceFlags
	CPUs  map[int]bool
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *timesliceRecord) String() string {
	return fmt.Sprintf("% 10s thread=% 4d flags=% 10s cpus=% 3d count=% 8d sum=% 16s min=% 16s max=% 16s avg=% 16s",
		r.Key.Kind, r.Key.Thread, r.Flags, len(r.CPUs), r.Count,
		r.Sum,
		r.Min,
		r.Max,
		r.Sum/time.Duration(r.Count),
	)
}

func (r *timesliceRecord) Add(s timeslice.Slice) {
	r.Count++
	r.Sum += s.Duration
	r.CPUs[s.CPU] = true
	if r.Min == 0 || s.Duration < r.Min {
		r.Min = s.Duration
	}
	if r.Max == 0 || s.Duration > r.Max {
		r.Max = s.Duration
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-thread sums of slice durations")
	cpu := fs.Int("cpu", -1, "Only include slices from this CPU")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		records := map[sliceKey]*timesliceRecord{}
		if err := timeslice.ReadAllRecords(f, func(s timeslice.Slice) error {
			if *cpu >= 0 && s.CPU != *cpu {
				return nil
			}
			key := sliceKey{Kind: s.Kind, Thread: s.Thread}
			record, ok := records[key]
			if !ok {
				record = &timesliceRecord{Key: key, Flags: s.Flags, CPUs: map[int]bool{}}
				records[key] = record
			}
			record.Add(s)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}

		var order []*timesliceRecord
		for _, r := range records {
			order = append(order, r)
		}
		sort.Slice(order, func(i, j int) bool {
			if order[i].Sum != order[j].Sum {
				return order[i].Sum > order[j].Sum
			}
			return order[i].Key.Thread < order[j].Key.Thread
		})
		for _, record := range order {
			fmt.Printf("%s\n", record.String())
		}
	} else {
		if err := timeslice.ReadAllRecords(f, func(s timeslice.Slice) error {
			if *cpu >= 0 && s.CPU != *cpu {
				return nil
			}
			fmt.Printf("cpu%d %s thread=%d %s %s\n", s.CPU, s.Kind, s.Thread, s.Flags, s.Duration)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
	}
}
