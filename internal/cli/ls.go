package cli

import (
	"bytes"
	"context"
	"errors"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

var errNegativeLimit = errors.New("--limit must be non-negative")

// LsCmd returns the ls command.
func LsCmd(cfg *Config, log func() *zap.Logger) *Command {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	fs.Bool("values", false, "Print key<TAB>value")
	fs.Int("limit", 0, "Maximum keys to show (0 = no limit)")
	fs.String("prefix", "", "Only keys starting with this prefix")

	return &Command{
		Flags: fs,
		Usage: "ls [flags]",
		Short: "List keys",
		Long: `List keys in iteration order.

The order follows the hash directory and is stable while the database is
not modified. Keys that are not printable text are shown as 0x-prefixed hex.`,
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			values, _ := fs.GetBool("values")
			limit, _ := fs.GetInt("limit")
			prefix, _ := fs.GetString("prefix")

			return execLs(ctx, io, cfg, log(), values, limit, []byte(prefix))
		},
	}
}

func execLs(ctx context.Context, io *IO, cfg *Config, log *zap.Logger, values bool, limit int, prefix []byte) error {
	if limit < 0 {
		return errNegativeLimit
	}

	return withDB(cfg, log, hashdb.ModeReader, func(db *hashdb.DB) error {
		shown := 0

		err := db.Iterate(func(key, value []byte) bool {
			if ctx.Err() != nil {
				return false
			}

			if !bytes.HasPrefix(key, prefix) {
				return true
			}

			if values {
				io.Printf("%s\t%s\n", formatBytes(key), formatBytes(value))
			} else {
				io.Println(formatBytes(key))
			}

			shown++

			return limit == 0 || shown < limit
		})
		if err != nil {
			return err
		}

		return ctx.Err()
	})
}

// CountCmd returns the count command.
func CountCmd(cfg *Config, log func() *zap.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("count", flag.ContinueOnError),
		Usage: "count",
		Short: "Print the number of records",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return withDB(cfg, log(), hashdb.ModeReader, func(db *hashdb.DB) error {
				n, err := db.Count()
				if err != nil {
					return err
				}

				io.Println(n)

				return nil
			})
		},
	}
}
