// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/util"
)

type dumpCmd struct {
	out io.Writer

	// User-specified command line arguments.
	cpus bool
}

func newDumpCmd(out io.Writer) *ffcli.Command {
	cmd := dumpCmd{out: out}
	set := flag.NewFlagSet("dump", flag.ContinueOnError)
	set.BoolVar(&cmd.cpus, "cpus", false, "Also print the CPU information blocks")
	return &ffcli.Command{
		Name:       "dump",
		ShortUsage: "cpuprof dump [flags] <file>...",
		ShortHelp:  "Summarize profile record streams",
		FlagSet:    set,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envVarPrefix)},
		Exec:       cmd.exec,
	}
}

func (cmd *dumpCmd) exec(_ context.Context, args []string) error {
	if len(args) == 0 {
		return parseError("please pass at least one file")
	}
	for _, file := range args {
		if err := cmd.dump(file); err != nil {
			return failure("Failed to dump %s: %v", file, err)
		}
	}
	return nil
}

func (cmd *dumpCmd) dump(file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := prd.NewReader(f)
	if err != nil {
		return err
	}
	defer r.Close()

	s, sumErr := prd.Summarize(r)
	if s == nil {
		return sumErr
	}
	if err = printSummary(cmd.out, file, s, cmd.cpus); err != nil {
		return err
	}
	return sumErr
}

func printSummary(out io.Writer, file string, s *prd.Summary, cpus bool) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)

	fmt.Fprintf(w, "file:\t%s\n", file)
	fmt.Fprintf(w, "version:\t%d\n", s.Header.Version)
	fmt.Fprintf(w, "session:\t%s\n", s.ExtHeader.SessionID)
	fmt.Fprintf(w, "started:\t%s\n",
		time.Unix(0, int64(s.Header.StartTime)).UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "cores:\t%d\n", s.Header.CoreCount)
	fmt.Fprintf(w, "system wide:\t%t\n", s.ExtHeader.Flags&prd.ExtSystemWide != 0)
	fmt.Fprintf(w, "call stacks:\t%t\n", s.ExtHeader.Flags&prd.ExtCallStacks != 0)
	if freq := s.Header.TimerFrequency; freq != 0 {
		fmt.Fprintf(w, "duration:\t%v\n",
			time.Duration(float64(s.LastTick)/float64(freq)*float64(time.Second)))
	}
	fmt.Fprintf(w, "records:\t%d (%s)\n", s.Records,
		humanize.IBytes(s.Records*prd.RecordSize))
	if len(s.PIDs) != 0 {
		fmt.Fprintf(w, "processes:\t%v\n", s.PIDs)
	}
	fmt.Fprintf(w, "samples:\t%d\n", s.Samples())
	fmt.Fprintf(w, "missed:\t%d\n", s.MissedSamples())
	fmt.Fprintf(w, "frames:\t%d\n", s.Frames)

	fmt.Fprintln(w)
	for _, c := range s.Configs {
		fmt.Fprintf(w, "config %d:\t%s resource=%d period=%d control=%#x cores=%#x\n",
			c.Index, c.Type, c.ResourceID, c.Period, c.ControlValue, c.CoreMask)
	}
	for _, m := range s.Missed {
		fmt.Fprintf(w, "missed %d:\t%s resource=%d control=%#x count=%d\n",
			m.ConfigIndex, m.Type, m.ResourceID, m.ControlValue, m.Count)
	}

	types := make([]prd.RecordType, 0, len(s.Groups))
	for typ := range s.Groups {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	fmt.Fprintln(w)
	for _, typ := range types {
		fmt.Fprintf(w, "%s:\t%d\n", typ, s.Groups[typ])
	}

	if cpus {
		fmt.Fprintln(w)
		for _, c := range s.CPUs {
			vendor := c.Vendor
			if !util.IsValidString(vendor) {
				vendor = "unknown"
			}
			fmt.Fprintf(w, "cpu %d:\t%s family=%d model=%d stepping=%d package=%d core=%d %d MHz\n",
				c.Core, vendor, c.Family, c.Model, c.Stepping, c.Package, c.CoreID,
				c.ClockMHz)
		}
	}
	fmt.Fprintln(w)
	return w.Flush()
}
