package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. A signal on it cancels the context passed to the
// running command, which stops long loops between records.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("hdbtool", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagCwd := globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagDB := globalFlags.StringP("db", "d", "", "Database `path` (default from config, else data.hdb)")
	flagVerbose := globalFlags.BoolP("verbose", "v", false, "Log engine events to stderr")

	cfg := &Config{}
	logger := zap.NewNop()

	commands := allCommands(cfg, func() *zap.Logger { return logger })

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	if len(args) < 2 {
		printUsage(out, globalFlags, commands)
		return 0
	}

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printGlobalFlags(errOut, globalFlags)

		return 1
	}

	if *flagHelp {
		printUsage(out, globalFlags, commands)
		return 0
	}

	commandAndArgs := globalFlags.Args()
	if len(commandAndArgs) == 0 {
		fprintln(errOut, "error: no command provided")
		fprintln(errOut)
		printUsage(errOut, globalFlags, commands)

		return 1
	}

	cmd, ok := commandMap[commandAndArgs[0]]
	if !ok {
		fprintln(errOut, "error: unknown command:", commandAndArgs[0])
		fprintln(errOut)
		printUsage(errOut, globalFlags, commands)

		return 1
	}

	loaded, err := LoadConfig(LoadConfigInput{
		WorkDirOverride: *flagCwd,
		ConfigPath:      *flagConfig,
		DBOverride:      *flagDB,
		HasDBOverride:   globalFlags.Changed("db"),
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	*cfg = loaded

	if *flagVerbose {
		logger = newLogger(errOut)
		defer func() { _ = logger.Sync() }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, NewIO(in, out, errOut), commandAndArgs[1:])
}

func allCommands(cfg *Config, log func() *zap.Logger) []*Command {
	return []*Command{
		CreateCmd(cfg, log),
		PutCmd(cfg, log),
		GetCmd(cfg, log),
		DelCmd(cfg, log),
		LsCmd(cfg, log),
		CountCmd(cfg, log),
		DumpCmd(cfg, log),
		LoadCmd(cfg, log),
		CheckCmd(cfg, log),
		ReorgCmd(cfg, log),
		RecoverCmd(cfg, log),
		StatCmd(cfg, log),
		ShellCmd(cfg, log),
		PrintConfigCmd(cfg),
	}
}

// newLogger returns a development logger writing to w.
func newLogger(w io.Writer) *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)

	return zap.New(core)
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printGlobalFlags(w io.Writer, globalFlags *flag.FlagSet) {
	fprintln(w, "Global flags:")

	var buf strings.Builder
	globalFlags.SetOutput(&buf)
	globalFlags.PrintDefaults()
	globalFlags.SetOutput(&strings.Builder{})

	_, _ = io.WriteString(w, buf.String())
}

func printUsage(w io.Writer, globalFlags *flag.FlagSet, commands []*Command) {
	fprintln(w, "hdbtool - inspect and edit hashdb files")
	fprintln(w)
	fprintln(w, "Usage: hdbtool [flags] <command> [args]")
	fprintln(w)
	printGlobalFlags(w, globalFlags)
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}

	fprintln(w)
	fprintln(w, "Run 'hdbtool <command> --help' for command flags.")
}
