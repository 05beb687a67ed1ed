// Copyright (C) 2024 Oblivquery, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// kernelctl is a local development harness for the kernel package. It is
// explicitly not the query planner or the worker coordinator (both out
// of scope per spec §1) -- it drives the same entry points a real
// coordinator would call, against rows read from plain CSV files on
// disk, for manual testing and demonstration.
package main

import (
	"bufio"
	cryptorand "crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/oblivquery/kernel"
	"github.com/oblivquery/kernel/aggrec"
	"github.com/oblivquery/kernel/aggscan"
	"github.com/oblivquery/kernel/attr"
	"github.com/oblivquery/kernel/config"
	"github.com/oblivquery/kernel/crypto"
	"github.com/oblivquery/kernel/hostsim"
	"github.com/oblivquery/kernel/opcode"
	"github.com/oblivquery/kernel/row"
	"github.com/oblivquery/kernel/sortkernel"
)

var (
	dashv       bool
	dashFunc    string
	dashGroup   uint
	dashAgg     uint
	dashScratch int
	dashPool    int
	dashConfig  string
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.StringVar(&dashFunc, "func", "sum", "aggregation function: sum, count, or avg")
	flag.UintVar(&dashGroup, "group-attr", 1, "1-based group-by attribute index")
	flag.UintVar(&dashAgg, "agg-attr", 2, "1-based aggregated attribute index")
	flag.IntVar(&dashScratch, "scratch-cap", 1<<20, "external sort scratch buffer size in bytes")
	flag.IntVar(&dashPool, "pool-capacity", 4096, "record pool capacity (in rows)")
	flag.StringVar(&dashConfig, "config", "", "path to a YAML config file overlaying config.Default()")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	if dashv {
		log.Printf(f, args...)
	}
}

func parseFunc(s string) opcode.Func {
	switch strings.ToLower(s) {
	case "sum":
		return opcode.Sum
	case "count":
		return opcode.Count
	case "avg":
		return opcode.Avg
	default:
		exitf("unknown -func %q: want sum, count, or avg\n", s)
		panic("unreachable")
	}
}

func loadConfig() config.Config {
	if dashConfig == "" {
		return config.Default()
	}
	doc, err := os.ReadFile(dashConfig)
	if err != nil {
		exitf("reading config: %s\n", err)
	}
	c, err := config.Load(doc)
	if err != nil {
		exitf("parsing config: %s\n", err)
	}
	return c
}

func code() opcode.Code {
	return opcode.Code{Func: parseFunc(dashFunc), GroupAttr: uint32(dashGroup), AggAttr: uint32(dashAgg)}
}

func limits(c config.Config) kernel.Limits {
	return kernel.Limits{
		RowUpperBound: c.Limits.RowUpperBound,
		MaxNumStreams: c.Limits.MaxNumStreams,
		ScratchCap:    dashScratch,
		PoolCapacity:  dashPool,
	}
}

// readCSV reads "group,agg" integer pairs, one per line, into an encoded
// row buffer. This flat format stands in for whatever wire format a real
// host would already have encrypted rows in -- kernelctl only needs
// something a developer can type by hand to drive the engine.
func readCSV(path string, rowUpperBound int) []byte {
	f, err := os.Open(path)
	if err != nil {
		exitf("opening %s: %s\n", path, err)
	}
	defer f.Close()

	w := row.NewWriter(rowUpperBound)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			exitf("%s: expected 2 comma-separated fields, got %q\n", path, line)
		}
		g, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
		if err != nil {
			exitf("%s: bad group value %q: %s\n", path, parts[0], err)
		}
		a, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
		if err != nil {
			exitf("%s: bad agg value %q: %s\n", path, parts[1], err)
		}
		encoded := row.Encode([]row.EncodedAttribute{
			attr.Int32(uint32(g)).Marshal(nil),
			attr.Int32(uint32(a)).Marshal(nil),
		})
		if err := w.WriteRow(encoded); err != nil {
			exitf("%s: %s\n", path, err)
		}
	}
	if err := sc.Err(); err != nil {
		exitf("reading %s: %s\n", path, err)
	}
	w.FinishBlock()
	return w.Bytes()
}

func writeCSV(path string, rows [][]byte, groupAttr, aggAttr uint32) {
	var out *os.File
	if path == "-" || path == "" {
		out = os.Stdout
	} else {
		var err error
		out, err = os.Create(path)
		if err != nil {
			exitf("creating %s: %s\n", path, err)
		}
		defer out.Close()
	}
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	for _, r := range rows {
		g, err := row.AttributeAt(r, groupAttr)
		if err != nil {
			exitf("decoding group attr: %s\n", err)
		}
		ga, _, err := attr.Unmarshal(g)
		if err != nil {
			exitf("decoding group attr: %s\n", err)
		}
		a, err := row.AttributeAt(r, aggAttr)
		if err != nil {
			exitf("decoding agg attr: %s\n", err)
		}
		aa, _, err := attr.Unmarshal(a)
		if err != nil {
			exitf("decoding agg attr: %s\n", err)
		}
		gv, err := attr.AsInt32(ga)
		if err != nil {
			exitf("group attr not Integer32: %s\n", err)
		}
		av, err := attr.AsInt32(aa)
		if err != nil {
			exitf("agg attr not Integer32: %s\n", err)
		}
		fmt.Fprintf(bw, "%d,%d\n", gv, av)
	}
}

func cmdSort(args []string) {
	fs := flag.NewFlagSet("sort", flag.ExitOnError)
	out := fs.String("o", "-", "output CSV file (or - for stdout)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		exitf("usage: kernelctl sort [-o out.csv] <rows.csv>\n")
	}
	c := loadConfig()
	lim := limits(c)
	cd := code()
	buf := readCSV(fs.Arg(0), c.Limits.RowUpperBound)
	sorted, stats, err := kernel.ExternalSort(cd.Encode(), [][]byte{buf}, lim)
	if err != nil {
		exitf("external_sort: %s\n", err)
	}
	logf("sort: %d comparisons, %d deep comparisons", stats.Comparisons, stats.DeepComparisons)
	rows, err := row.ReadAll(sorted)
	if err != nil {
		exitf("reading sorted output: %s\n", err)
	}
	writeCSV(*out, rows, cd.GroupAttr, cd.AggAttr)
}

func cmdFilter(args []string) {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	out := fs.String("o", "-", "output CSV file (or - for stdout)")
	op := fs.Int64("op", opcode.FilterLowValue, "filter op-code: 0 (low-value keep), 2 (drop dummy), -1 (diagnostic drop-all)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		exitf("usage: kernelctl filter [-op N] [-o out.csv] <rows.csv>\n")
	}
	c := loadConfig()
	cd := code()
	buf := readCSV(fs.Arg(0), c.Limits.RowUpperBound)
	all, err := row.ReadAll(buf)
	if err != nil {
		exitf("reading rows: %s\n", err)
	}
	var kept [][]byte
	for _, r := range all {
		keep, err := kernel.FilterSingleRow(*op, r)
		if err != nil {
			exitf("filter_single_row: %s\n", err)
		}
		if keep {
			kept = append(kept, r)
		}
	}
	logf("filter: kept %d of %d rows", len(kept), len(all))
	writeCSV(*out, kept, cd.GroupAttr, cd.AggAttr)
}

// cmdSample accepts one CSV file per simulated worker, draws an
// independent sample from each (kernel.Sample), then unions them the way
// a coordinator collecting per-worker samples would (kernel.MergeSamples)
// before the merged set would be handed to find_range_bounds.
func cmdSample(args []string) {
	fs := flag.NewFlagSet("sample", flag.ExitOnError)
	out := fs.String("o", "-", "output CSV file (or - for stdout)")
	num := fs.Uint("numerator", 3277, "sample numerator")
	den := fs.Uint("denominator", 1<<16, "sample denominator")
	fs.Parse(args)
	if fs.NArg() < 1 {
		exitf("usage: kernelctl sample [-numerator N] [-denominator N] [-o out.csv] <rows.csv> [more.csv ...]\n")
	}
	c := loadConfig()
	cd := code()
	rnd, err := crypto.NewDRBG8()
	if err != nil {
		exitf("seeding random collaborator: %s\n", err)
	}

	perWorker := make([][]byte, fs.NArg())
	for i, path := range fs.Args() {
		buf := readCSV(path, c.Limits.RowUpperBound)
		sampled, err := kernel.Sample(buf, rnd, uint32(*num), uint32(*den), c.Limits.RowUpperBound)
		if err != nil {
			exitf("sample %s: %s\n", path, err)
		}
		perWorker[i] = sampled
	}

	var keyBytes [16]byte
	if _, err := cryptorand.Read(keyBytes[:]); err != nil {
		exitf("generating merge fingerprint key: %s\n", err)
	}
	key0 := binary.LittleEndian.Uint64(keyBytes[:8])
	key1 := binary.LittleEndian.Uint64(keyBytes[8:])
	merged, err := kernel.MergeSamples(key0, key1, c.Limits.RowUpperBound, perWorker...)
	if err != nil {
		exitf("merging samples: %s\n", err)
	}

	rows, err := row.ReadAll(merged)
	if err != nil {
		exitf("reading sample: %s\n", err)
	}
	logf("sample: drew %d rows across %d input(s)", len(rows), fs.NArg())
	writeCSV(*out, rows, cd.GroupAttr, cd.AggAttr)
}

// cmdPipeline drives the full multi-worker protocol of spec §4 end to
// end over one input file, split across -workers simulated partitions by
// hostsim.AssignWorker: range-partition, per-worker pass 1, boundary
// reconciliation, per-worker pass 2, and a final reduction -- the same
// sequence of entry points a coordinator would call, useful as a smoke
// test and a worked example.
func cmdPipeline(args []string) {
	fs := flag.NewFlagSet("pipeline", flag.ExitOnError)
	workers := fs.Int("workers", 2, "number of simulated workers")
	fs.Parse(args)
	if fs.NArg() != 1 {
		exitf("usage: kernelctl pipeline [-workers N] <rows.csv>\n")
	}
	c := loadConfig()
	lim := limits(c)
	cd := code()

	buf := readCSV(fs.Arg(0), c.Limits.RowUpperBound)
	allRows, err := row.ReadAll(buf)
	if err != nil {
		exitf("reading rows: %s\n", err)
	}

	fixture := hostsim.NewFixture(*workers)
	partitioned := make([][]byte, *workers)
	writers := make([]*row.Writer, *workers)
	for i := range writers {
		writers[i] = row.NewWriter(c.Limits.RowUpperBound)
	}
	for _, r := range allRows {
		w := hostsim.AssignWorker(fixture.Query, r, *workers)
		if err := writers[w].WriteRow(r); err != nil {
			exitf("assigning row to worker %d: %s\n", w, err)
		}
	}
	for i := range writers {
		writers[i].FinishBlock()
		partitioned[i] = writers[i].Bytes()
	}

	var key [32]byte
	if _, err := cryptorand.Read(key[:]); err != nil {
		exitf("generating AEAD key: %s\n", err)
	}
	aead, err := crypto.NewAEAD(key[:])
	if err != nil {
		exitf("initializing AEAD collaborator: %s\n", err)
	}

	fallback := aggscan.SortFallbackLimits{
		RowUpperBound: lim.RowUpperBound,
		MaxNumStreams: lim.MaxNumStreams,
		ScratchCap:    lim.ScratchCap,
		PoolCapacity:  lim.PoolCapacity,
	}

	// Each worker's sorted run is spilled to its compressed form right
	// after External Sort and reloaded just before pass 1 scans it --
	// standing in for the host handing that run off to disk or network
	// scratch between the two passes (sortkernel.SpillRun's doc comment).
	spilledPerWorker := make([][]byte, *workers)
	spilledLen := make([]int, *workers)
	for i, part := range partitioned {
		sorted, _, err := kernel.ExternalSort(cd.Encode(), [][]byte{part}, lim)
		if err != nil {
			exitf("worker %d external_sort: %s\n", i, err)
		}
		spilledLen[i] = len(sorted)
		spilledPerWorker[i] = sortkernel.SpillRun(sorted)
	}

	sortedPerWorker := make([][]byte, *workers)
	for i, spilled := range spilledPerWorker {
		sorted, err := sortkernel.LoadSpilledRun(spilled, spilledLen[i])
		if err != nil {
			exitf("worker %d loading spilled run: %s\n", i, err)
		}
		sortedPerWorker[i] = sorted
	}

	packedBoundaries := make([][]byte, *workers)
	for i, sorted := range sortedPerWorker {
		res, _, _, err := kernel.ScanAggregationCountDistinct(aead, cd.Encode(), c.Policy.CardinalityMode, sorted, nil, 1, c.Limits.AggUpperBound, 0, 0, fallback)
		if err != nil {
			exitf("worker %d pass 1: %s\n", i, err)
		}
		packedBoundaries[i] = kernel.PackBoundaryPair(res.FirstRow, res.Summary)
		logf("worker %d (%s): pass 1 done", i, fixture.Workers[i])
	}

	seeds, err := kernel.ProcessBoundaryRecords(aead, cd.Encode(), packedBoundaries, c.Limits.AggUpperBound)
	if err != nil {
		exitf("process_boundary_records: %s\n", err)
	}

	var finalRows [][]byte
	for i, sorted := range sortedPerWorker {
		res, _, _, err := kernel.ScanAggregationCountDistinct(aead, cd.Encode(), c.Policy.CardinalityMode, sorted, seeds[i], 2, c.Limits.AggUpperBound, len(allRows), c.Limits.AggUpperBound, fallback)
		if err != nil {
			exitf("worker %d pass 2: %s\n", i, err)
		}
		finalRows = append(finalRows, res.PlacedRows...)
		// the trailing group of the very last worker can never be
		// continued by anything else -- finalize it directly.
		if i == len(sortedPerWorker)-1 {
			trailing, err := aggrec.Decrypt(aead, res.Summary)
			if err != nil {
				exitf("decrypting trailing group: %s\n", err)
			}
			if !trailing.IsDummy() {
				enc, err := aggrec.Encrypt(aead, trailing, c.Limits.AggUpperBound)
				if err != nil {
					exitf("encrypting trailing group: %s\n", err)
				}
				finalRows = append(finalRows, enc)
			}
		}
		logf("worker %d: pass 2 placed %d groups", i, len(res.PlacedRows))
	}

	fmt.Printf("group,sum,distinct_entries\n")
	for _, enc := range finalRows {
		rec, err := aggrec.Decrypt(aead, enc)
		if err != nil {
			exitf("decrypting final record: %s\n", err)
		}
		if rec.IsDummy() {
			continue
		}
		g, err := attr.AsInt32(rec.SortAttr)
		if err != nil {
			exitf("decoding group key: %s\n", err)
		}
		v, err := attr.AsInt32(rec.AggAttr)
		if err != nil {
			exitf("decoding aggregated value: %s\n", err)
		}
		fmt.Printf("%d,%d,%d\n", g, v, rec.DistinctEntries)
	}
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s sort <rows.csv>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        sort rows by the configured op-code\n")
		fmt.Fprintf(os.Stderr, "    %s filter [-op N] <rows.csv>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        apply filter_single_row to every row\n")
		fmt.Fprintf(os.Stderr, "    %s sample <rows.csv>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        draw a random sample of rows\n")
		fmt.Fprintf(os.Stderr, "    %s pipeline [-workers N] <rows.csv>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        run the full multi-worker aggregation pipeline\n")
		fmt.Fprintf(os.Stderr, "flag usage:\n")
		flag.Usage()
		os.Exit(1)
	}
	switch args[0] {
	case "sort":
		cmdSort(args[1:])
	case "filter":
		cmdFilter(args[1:])
	case "sample":
		cmdSample(args[1:])
	case "pipeline":
		cmdPipeline(args[1:])
	default:
		exitf("unknown command %q; commands: sort, filter, sample, pipeline\n", args[0])
	}
}
