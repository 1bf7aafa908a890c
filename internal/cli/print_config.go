package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg *Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execPrintConfig(io, cfg)
		},
	}
}

func execPrintConfig(io *IO, cfg *Config) error {
	io.Println("effective_cwd=" + cfg.EffectiveCwd)
	io.Println("db=" + cfg.DBAbs)

	if cfg.BlockSize != 0 {
		io.Println("block_size=" + strconv.Itoa(cfg.BlockSize))
	}

	if cfg.CacheSize != 0 {
		io.Println("cache_size=" + strconv.Itoa(cfg.CacheSize))
	}

	io.Println("io=" + cfg.IO)
	io.Println("failure_atomic=" + strconv.FormatBool(cfg.FailureAtomic))
	io.Println("sync=" + strconv.FormatBool(cfg.Sync))
	io.Println("central_free=" + strconv.FormatBool(cfg.CentralFree))
	io.Println("disable_coalesce=" + strconv.FormatBool(cfg.DisableCoalesce))

	io.Println("")
	io.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		io.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			io.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			io.Println("project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
