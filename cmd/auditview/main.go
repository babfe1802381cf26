package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Tyrowin/gorelay/internal/audit"
)

func main() {
	file := flag.String("file", "", "only show records for this log file (e.g. login.log)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-file name] <archive>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *file, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "auditview: %v\n", err)
		os.Exit(1)
	}
}

func run(path, file string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := audit.NewReader(f, file)
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if file == "" {
			fmt.Fprintf(out, "%-13s %s", event.File, audit.FormatLine(event.Time, event.Line))
			continue
		}
		fmt.Fprint(out, audit.FormatLine(event.Time, event.Line))
	}
}
