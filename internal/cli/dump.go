package cli

import (
	"bytes"
	"context"
	"fmt"
	stdio "io"
	"os"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

// DumpCmd returns the dump command.
func DumpCmd(cfg *Config, log func() *zap.Logger) *Command {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.StringP("output", "o", "", "Write the dump to `path` instead of stdout")

	return &Command{
		Flags: fs,
		Usage: "dump [flags]",
		Short: "Export every record as text",
		Long: `Export every record in a portable text format, one base64 key and value
per line, ending with a record count so truncation is detected on load.

With --output the file is replaced atomically once the dump is complete.`,
		Exec: func(_ context.Context, io *IO, _ []string) error {
			output, _ := fs.GetString("output")

			return execDump(io, cfg, log(), output)
		},
	}
}

func execDump(io *IO, cfg *Config, log *zap.Logger, output string) error {
	return withDB(cfg, log, hashdb.ModeReader, func(db *hashdb.DB) error {
		if output == "" {
			_, err := db.Dump(io)
			return err
		}

		var buf bytes.Buffer

		n, err := db.Dump(&buf)
		if err != nil {
			return err
		}

		path := resolvePath(cfg.EffectiveCwd, output)
		if err := atomic.WriteFile(path, &buf); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}

		io.Printf("Dumped %d records to %s\n", n, path)

		return nil
	})
}

// LoadCmd returns the load command.
func LoadCmd(cfg *Config, log func() *zap.Logger) *Command {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	fs.Bool("replace", false, "Overwrite existing keys instead of failing")

	return &Command{
		Flags: fs,
		Usage: "load <path|-> [flags]",
		Short: "Import records from a dump",
		Long: `Import records written by 'hdbtool dump', creating the database if needed.

Existing keys make the load fail unless --replace is given. Records before
a malformed line are kept.`,
		Exec: func(_ context.Context, io *IO, args []string) error {
			replace, _ := fs.GetBool("replace")

			return execLoad(io, cfg, log(), args, replace)
		},
	}
}

func execLoad(io *IO, cfg *Config, log *zap.Logger, args []string, replace bool) error {
	if len(args) != 1 {
		return fmt.Errorf("load needs exactly one input path (- for stdin), got %d", len(args))
	}

	var in stdio.Reader = io.Stdin()

	if args[0] != "-" {
		f, err := os.Open(resolvePath(cfg.EffectiveCwd, args[0]))
		if err != nil {
			return err
		}

		defer func() { _ = f.Close() }()

		in = f
	}

	mode := hashdb.Insert
	if replace {
		mode = hashdb.Replace
	}

	return withDB(cfg, log, hashdb.ModeWrCreat, func(db *hashdb.DB) error {
		n, err := db.Load(in, mode)
		if err != nil {
			return fmt.Errorf("after %d records: %w", n, err)
		}

		io.Printf("Loaded %d records\n", n)

		return nil
	})
}
