package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

// ReorgCmd returns the reorg command.
func ReorgCmd(cfg *Config, log func() *zap.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("reorg", flag.ContinueOnError),
		Usage: "reorg",
		Short: "Compact the file",
		Long: `Rewrite the database into a compact file and atomically replace the
original. The database stays locked for the whole operation.`,
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return withDB(cfg, log(), hashdb.ModeWriter, func(db *hashdb.DB) error {
				before, err := db.Stats()
				if err != nil {
					return err
				}

				if err := db.Reorganize(); err != nil {
					return err
				}

				after, err := db.Stats()
				if err != nil {
					return err
				}

				io.Printf("Reorganized %s: %d -> %d bytes\n", cfg.DBAbs, before.FileSize, after.FileSize)

				return nil
			})
		},
	}
}

// RecoverCmd returns the recover command.
func RecoverCmd(cfg *Config, log func() *zap.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("recover", flag.ContinueOnError),
		Usage: "recover",
		Short: "Salvage a damaged file",
		Long: `Copy every readable record of a damaged database into a new file that
replaces it. Buckets and records that fail validation are skipped and
counted. The header must be intact.`,
		Exec: func(_ context.Context, io *IO, _ []string) error {
			report, err := hashdb.Recover(cfg.DBAbs, cfg.Options(log()))
			if err != nil {
				return err
			}

			io.Printf("Recovered %d records from %s\n", report.Recovered, cfg.DBAbs)
			io.Printf("buckets=%d damaged_buckets=%d bad_records=%d duplicates=%d\n",
				report.Buckets, report.DamagedBuckets, report.BadRecords, report.Duplicates)

			if report.BadRecords > 0 {
				io.Warn(fmt.Sprintf("%d records could not be read", report.BadRecords), "they are not in the recovered file")
			}

			return nil
		},
	}
}

// StatCmd returns the stat command.
func StatCmd(cfg *Config, log func() *zap.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("stat", flag.ContinueOnError),
		Usage: "stat",
		Short: "Show file geometry",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return withDB(cfg, log(), hashdb.ModeReader, func(db *hashdb.DB) error {
				st, err := db.Stats()
				if err != nil {
					return err
				}

				n, err := db.Count()
				if err != nil {
					return err
				}

				printStats(io, cfg.DBAbs, st, n)

				return nil
			})
		},
	}
}

func printStats(io *IO, path string, st hashdb.Stats, records int) {
	io.Println("path=" + path)
	io.Printf("records=%d\n", records)
	io.Printf("block_size=%d\n", st.BlockSize)
	io.Printf("dir_bits=%d\n", st.DirBits)
	io.Printf("dir_entries=%d\n", st.DirEntries)
	io.Printf("file_size=%d\n", st.FileSize)
	io.Printf("commit_seq=%d\n", st.CommitSeq)
	io.Printf("header_avail=%d\n", st.HeaderAvail)
	io.Printf("avail_blocks=%v\n", st.AvailBlocks)
	io.Printf("io=%s\n", st.IO)
}
