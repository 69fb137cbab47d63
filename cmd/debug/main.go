package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"

	"github.com/tinyrange/tsunami/internal/debug"
)

func run() error {
	list := flag.Bool("list", false, "list all sources in the trace")
	count := flag.Bool("count", false, "print the number of matching records")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter messages")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `debug - inspect tsunami register traces

USAGE:
  debug [flags] <filename>

FLAGS:
  -list          List all unique source names in the trace, one per line
  -count         Print the number of records that pass the filters
  -source REGEX  Only show records where source matches regex (Go regexp syntax)
  -match REGEX   Only show records where message matches regex (Go regexp syntax)
  -limit N       Max entries to return (default: 100). Errors if exceeded; use -tail or 0 for unlimited
  -tail          Show last N entries instead of first N (combine with -limit)

OUTPUT FORMAT:
  Each entry is printed as: SEQ [SOURCE] MESSAGE

EXAMPLES:
  debug trace.bin                        Show entries (errors if >100)
  debug -tail trace.bin                  Show last 100 entries
  debug -match '^post' trace.bin         Every interrupt posted to a processor
  debug -match 'DIM' -limit 0 trace.bin  Every mask register access
  debug -count -match spurious trace.bin Count spurious clears
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, err := debug.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		sourceRe, err = regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		matchRe, err = regexp.Compile(*match)
		if err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	var entries []debug.Record
	if err := reader.Each(func(rec debug.Record) error {
		if sourceRe != nil && !sourceRe.MatchString(rec.Source) {
			return nil
		}
		if matchRe != nil && !matchRe.Match(rec.Data) {
			return nil
		}
		entries = append(entries, rec)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	if *count {
		fmt.Println(len(entries))
		return nil
	}

	if *limit > 0 && len(entries) > *limit {
		switch {
		case *tail:
			entries = entries[len(entries)-*limit:]
		case *limit == 100:
			return fmt.Errorf("too many entries: %d (limit is %d). Use -tail for last %d, or explicitly set a limit using -limit", len(entries), *limit, *limit)
		default:
			entries = entries[:*limit]
		}
	}

	for _, e := range entries {
		fmt.Printf("%d [%s] %s\n", e.Seq, e.Source, string(e.Data))
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "debug: %v\n", err)
		os.Exit(1)
	}
}
