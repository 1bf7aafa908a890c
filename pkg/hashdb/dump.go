package hashdb

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Dump format: a text file with one record per line.
//
//	# hashdb dump v1
//	#:block-size=4096
//	<base64 key> <base64 value>
//	...
//	#:count=<records>
//
// Keys and values use standard base64 with padding. An empty value is an
// empty field after the separating space. The trailing count lets [DB.Load]
// detect a truncated dump.
const (
	dumpHeader      = "# hashdb dump v1"
	dumpBlockSize   = "#:block-size="
	dumpCountPrefix = "#:count="
)

// Dump writes every record to w in iteration order and returns the number
// of records written.
func (db *DB) Dump(w io.Writer) (int, error) {
	if err := db.usable(); err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, dumpHeader)
	fmt.Fprintf(bw, "%s%d\n", dumpBlockSize, db.header.blockSize)

	n := 0

	err := db.Iterate(func(key, value []byte) bool {
		bw.WriteString(base64.StdEncoding.EncodeToString(key))
		bw.WriteByte(' ')
		bw.WriteString(base64.StdEncoding.EncodeToString(value))
		bw.WriteByte('\n')
		n++

		return true
	})
	if err != nil {
		return n, err
	}

	fmt.Fprintf(bw, "%s%d\n", dumpCountPrefix, n)

	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("writing dump: %w", err)
	}

	return n, nil
}

// Load reads a dump produced by [DB.Dump] and stores every record with mode.
// It returns the number of records stored.
//
// Records are stored as they are read; a malformed or truncated dump stops
// the load with [ErrInvalidInput] after the records before it were stored.
func (db *DB) Load(r io.Reader, mode StoreMode) (int, error) {
	if err := db.usable(); err != nil {
		return 0, err
	}

	br := bufio.NewReader(r)
	stored := 0
	lineNo := 0
	sawHeader := false

	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return stored, fmt.Errorf("reading dump: %w", err)
		}

		if line == "" && errors.Is(err, io.EOF) {
			return stored, fmt.Errorf("dump ends without %s trailer: %w", dumpCountPrefix, ErrInvalidInput)
		}

		lineNo++
		line = strings.TrimRight(line, "\r\n")

		switch {
		case !sawHeader:
			if line != dumpHeader {
				return stored, fmt.Errorf("line %d: not a hashdb dump: %w", lineNo, ErrInvalidInput)
			}

			sawHeader = true

		case strings.HasPrefix(line, dumpCountPrefix):
			want, convErr := strconv.Atoi(strings.TrimPrefix(line, dumpCountPrefix))
			if convErr != nil {
				return stored, fmt.Errorf("line %d: bad count: %w", lineNo, ErrInvalidInput)
			}

			if want != stored {
				return stored, fmt.Errorf("dump declares %d records, read %d: %w", want, stored, ErrInvalidInput)
			}

			return stored, nil

		case strings.HasPrefix(line, "#"):
			// Other metadata lines are informational.

		default:
			key, value, decErr := decodeDumpLine(line)
			if decErr != nil {
				return stored, fmt.Errorf("line %d: %w", lineNo, decErr)
			}

			if storeErr := db.Store(key, value, mode); storeErr != nil {
				return stored, fmt.Errorf("line %d: %w", lineNo, storeErr)
			}

			stored++
		}

		if errors.Is(err, io.EOF) {
			return stored, fmt.Errorf("dump ends without %s trailer: %w", dumpCountPrefix, ErrInvalidInput)
		}
	}
}

func decodeDumpLine(line string) ([]byte, []byte, error) {
	k, v, ok := strings.Cut(line, " ")
	if !ok {
		return nil, nil, fmt.Errorf("missing value field: %w", ErrInvalidInput)
	}

	key, err := base64.StdEncoding.DecodeString(k)
	if err != nil {
		return nil, nil, fmt.Errorf("key: %w (%w)", ErrInvalidInput, err)
	}

	value, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, nil, fmt.Errorf("value: %w (%w)", ErrInvalidInput, err)
	}

	return key, value, nil
}
