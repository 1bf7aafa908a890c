package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

// maxParallelChecks bounds how many files are checked at once.
const maxParallelChecks = 4

// CheckCmd returns the check command.
func CheckCmd(cfg *Config, log func() *zap.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("check", flag.ContinueOnError),
		Usage: "check [path...]",
		Short: "Verify file structure",
		Long: `Verify the header, directory, buckets, free lists and records of one or
more databases, and that every byte of each file is accounted for.

Without arguments the configured database is checked. Several files are
checked in parallel under shared locks. Exits 1 if any file has problems;
use 'hdbtool recover' to salvage a damaged file.`,
		Exec: func(ctx context.Context, io *IO, args []string) error {
			paths := args
			if len(paths) == 0 {
				paths = []string{cfg.DBAbs}
			}

			for i, p := range paths {
				paths[i] = resolvePath(cfg.EffectiveCwd, p)
			}

			return execCheck(ctx, io, cfg, log(), paths)
		},
	}
}

type checkResult struct {
	report hashdb.CheckReport
	err    error
}

func execCheck(ctx context.Context, io *IO, cfg *Config, log *zap.Logger, paths []string) error {
	results := make([]checkResult, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChecks)

	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			c := *cfg
			c.DBAbs = path

			results[i].err = withDB(&c, log.With(zap.String("check", path)), hashdb.ModeReader, func(db *hashdb.DB) error {
				report, err := db.Check()
				results[i].report = report

				return err
			})

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	failed := 0

	for i, path := range paths {
		r := results[i]

		switch {
		case r.err == nil:
			io.Printf("%s: ok (%d records, %d buckets, %d free bytes of %d)\n",
				path, r.report.Records, r.report.Buckets, r.report.FreeBytes, r.report.FileSize)
		case errors.Is(r.err, hashdb.ErrCorrupt) && len(r.report.Problems) > 0:
			failed++

			io.Printf("%s: %d problems\n", path, len(r.report.Problems))

			for _, p := range r.report.Problems {
				io.Printf("  %s\n", p)
			}
		default:
			failed++

			io.Printf("%s: %v\n", path, r.err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d files", ErrCheckFailed, failed, len(paths))
	}

	return nil
}
