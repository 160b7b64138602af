// Main package in quicstat implements a command line tool for
// converting archived reliability-snapshot files to CSV files.
package main

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/quicwire/qcore/archive"
	"github.com/quicwire/qcore/reliability"
	"github.com/quicwire/qcore/zstdpipe"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	// A variable to enable mocking for testing.
	logFatal = log.Fatal
)

// row flattens one archived record for CSV output.
type row struct {
	ConnID string `csv:"conn_id"`
	reliability.Snapshot
}

func toCSV(records []*archive.Record, wtr io.Writer) error {
	rows := make([]row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, row{ConnID: rec.ConnID, Snapshot: rec.Snapshot})
	}
	return gocsv.Marshal(rows, wtr)
}

// openFile either opens a file, or opens and unzips a file that ends
// with .zst
func openFile(fn string) (io.ReadCloser, error) {
	if strings.HasSuffix(fn, ".zst") {
		return zstdpipe.NewReader(fn), nil
	}
	return os.Open(fn)
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser
	var err error
	source = os.Stdin
	if len(args) == 1 {
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		logFatal("Too many command-line arguments.")
	}
	defer source.Close()

	records, err := archive.LoadAll(source)
	rtx.Must(err, "Could not read snapshot records")
	rtx.Must(toCSV(records, os.Stdout), "Could not convert input to CSV")
}
