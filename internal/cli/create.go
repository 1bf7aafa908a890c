package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

var errDBExists = errors.New("database already exists (use --force to replace it)")

// CreateCmd returns the create command.
func CreateCmd(cfg *Config, log func() *zap.Logger) *Command {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.Int("block-size", 0, "Block size in bytes, a power of two (default from config, else 4096)")
	fs.Bool("force", false, "Replace an existing database")

	return &Command{
		Flags: fs,
		Usage: "create [flags]",
		Short: "Create an empty database",
		Long: `Create an empty database at the configured path.

The block size is fixed for the life of the file. It sets the bucket size,
the initial directory size and the allocation granularity.`,
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: %v", ErrTooManyArgs, args)
			}

			force, _ := fs.GetBool("force")

			c := *cfg
			if fs.Changed("block-size") {
				c.BlockSize, _ = fs.GetInt("block-size")
			}

			return execCreate(io, &c, log(), force)
		},
	}
}

func execCreate(io *IO, cfg *Config, log *zap.Logger, force bool) error {
	if !force {
		if _, err := os.Stat(cfg.DBAbs); err == nil {
			return fmt.Errorf("%w: %s", errDBExists, cfg.DBAbs)
		}
	}

	return withDB(cfg, log, hashdb.ModeNewDB, func(db *hashdb.DB) error {
		st, err := db.Stats()
		if err != nil {
			return err
		}

		io.Printf("Created %s (block size %d, %d directory entries)\n", cfg.DBAbs, st.BlockSize, st.DirEntries)

		return nil
	})
}
