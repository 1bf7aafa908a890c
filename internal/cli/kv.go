package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	stdio "io"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

// PutCmd returns the put command.
func PutCmd(cfg *Config, log func() *zap.Logger) *Command {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.Bool("insert", false, "Fail if the key already exists")
	fs.StringP("file", "f", "", "Read the value from `path` (- for stdin)")

	return &Command{
		Flags: fs,
		Usage: "put <key> [value] [flags]",
		Short: "Store a value",
		Long: `Store a value under key, replacing any existing value.

Without a value argument or --file, the value is read from stdin.
Keys starting with 0x followed by hex digits are decoded as hex.

Examples:
  hdbtool put user:1 alice
  hdbtool put --insert user:2 bob     # fails if user:2 exists
  hdbtool put blob -f image.png`,
		Exec: func(_ context.Context, io *IO, args []string) error {
			insert, _ := fs.GetBool("insert")
			file, _ := fs.GetString("file")

			return execPut(io, cfg, log(), args, file, fs.Changed("file"), insert)
		},
	}
}

func execPut(io *IO, cfg *Config, log *zap.Logger, args []string, file string, hasFile, insert bool) error {
	if len(args) == 0 {
		return ErrKeyRequired
	}

	if len(args) > 2 {
		return fmt.Errorf("%w: %v", ErrTooManyArgs, args[2:])
	}

	key, err := parseKeyArg(args[0])
	if err != nil {
		return err
	}

	var value []byte

	switch {
	case len(args) == 2 && hasFile:
		return ErrValueConflict
	case len(args) == 2:
		value = []byte(args[1])
	case hasFile && file != "-":
		value, err = os.ReadFile(resolvePath(cfg.EffectiveCwd, file))
	default:
		value, err = stdio.ReadAll(io.Stdin())
	}

	if err != nil {
		return fmt.Errorf("reading value: %w", err)
	}

	mode := hashdb.Replace
	if insert {
		mode = hashdb.Insert
	}

	return withDB(cfg, log, hashdb.ModeWrCreat, func(db *hashdb.DB) error {
		if err := db.Store(key, value, mode); err != nil {
			return fmt.Errorf("put %s: %w", formatBytes(key), err)
		}

		return nil
	})
}

// GetCmd returns the get command.
func GetCmd(cfg *Config, log func() *zap.Logger) *Command {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.Bool("raw", false, "Write the value bytes exactly, without a trailing newline")
	fs.Bool("hex", false, "Print the value hex-encoded")

	return &Command{
		Flags: fs,
		Usage: "get <key> [flags]",
		Short: "Print a value",
		Long:  "Print the value stored under key. Exits 1 if the key is missing.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			raw, _ := fs.GetBool("raw")
			asHex, _ := fs.GetBool("hex")

			return execGet(io, cfg, log(), args, raw, asHex)
		},
	}
}

func execGet(io *IO, cfg *Config, log *zap.Logger, args []string, raw, asHex bool) error {
	if len(args) != 1 {
		return ErrKeyRequired
	}

	key, err := parseKeyArg(args[0])
	if err != nil {
		return err
	}

	return withDB(cfg, log, hashdb.ModeReader, func(db *hashdb.DB) error {
		value, err := db.Fetch(key)
		if err != nil {
			return fmt.Errorf("get %s: %w", formatBytes(key), err)
		}

		switch {
		case asHex:
			io.Println(hex.EncodeToString(value))
		case raw:
			if _, err := io.Write(value); err != nil {
				return fmt.Errorf("writing value: %w", err)
			}
		default:
			io.Println(string(value))
		}

		return nil
	})
}

// DelCmd returns the del command.
func DelCmd(cfg *Config, log func() *zap.Logger) *Command {
	fs := flag.NewFlagSet("del", flag.ContinueOnError)
	fs.Bool("missing-ok", false, "Do not fail when a key is missing")

	return &Command{
		Flags: fs,
		Usage: "del <key>... [flags]",
		Short: "Delete keys",
		Long: `Delete one or more keys.

A missing key is an error unless --missing-ok is given. Deleting a missing
key never modifies the file.`,
		Exec: func(_ context.Context, _ *IO, args []string) error {
			missingOK, _ := fs.GetBool("missing-ok")

			return execDel(cfg, log(), args, missingOK)
		},
	}
}

func execDel(cfg *Config, log *zap.Logger, args []string, missingOK bool) error {
	if len(args) == 0 {
		return ErrKeyRequired
	}

	keys := make([][]byte, 0, len(args))

	for _, arg := range args {
		key, err := parseKeyArg(arg)
		if err != nil {
			return err
		}

		keys = append(keys, key)
	}

	return withDB(cfg, log, hashdb.ModeWriter, func(db *hashdb.DB) error {
		for _, key := range keys {
			err := db.Delete(key)

			switch {
			case err == nil:
			case errors.Is(err, hashdb.ErrNotFound) && missingOK:
			default:
				return fmt.Errorf("del %s: %w", formatBytes(key), err)
			}
		}

		return nil
	})
}
