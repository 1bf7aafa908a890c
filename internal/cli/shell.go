package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	stdio "io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

var errQuit = errors.New("quit")

// ShellCmd returns the shell command.
func ShellCmd(cfg *Config, log func() *zap.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Interactive session",
		Long: `Open the database as a writer (creating it if missing) and read commands
interactively. The writer lock is held until the session ends.

On a terminal the prompt has line editing, tab completion and history in
~/.hdbtool_history. Otherwise commands are read line by line from stdin.`,
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			return withDB(cfg, log(), hashdb.ModeWrCreat, func(db *hashdb.DB) error {
				sh := &shell{db: db, io: io, path: cfg.DBAbs}

				return sh.run(ctx)
			})
		},
	}
}

// lineReader yields one input line per call and io.EOF at the end.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

type shell struct {
	db   *hashdb.DB
	io   *IO
	path string
}

func (s *shell) run(ctx context.Context) error {
	lines, interactive := s.newLineReader()
	defer func() { _ = lines.Close() }()

	if interactive {
		s.io.Printf("hdbtool shell - %s\n", s.path)
		s.io.Println("Type 'help' for available commands.")
		s.io.Println()
	}

	for ctx.Err() == nil {
		line, err := lines.Prompt("hdb> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, stdio.EOF) {
				if interactive {
					s.io.Println("\nBye!")
				}

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if t, ok := lines.(*terminal); ok {
			t.AppendHistory(line)
		}

		err = s.exec(line)
		if errors.Is(err, errQuit) {
			return nil
		}

		if err != nil {
			// A failed handle rejects everything that follows.
			if errors.Is(err, hashdb.ErrFailed) {
				return err
			}

			s.io.Println("error:", err)
		}
	}

	return ctx.Err()
}

func (s *shell) exec(line string) error {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		return errQuit
	case "help", "?":
		s.printHelp()
		return nil
	case "get":
		return s.cmdGet(args)
	case "put", "insert":
		return s.cmdPut(args, cmd == "insert")
	case "del", "delete":
		return s.cmdDel(args)
	case "ls", "list":
		return s.cmdLs(args)
	case "count":
		n, err := s.db.Count()
		if err != nil {
			return err
		}

		s.io.Println(n)

		return nil
	case "stat", "info":
		st, err := s.db.Stats()
		if err != nil {
			return err
		}

		n, err := s.db.Count()
		if err != nil {
			return err
		}

		printStats(s.io, s.path, st, n)

		return nil
	case "check":
		r, err := s.db.Check()
		if err != nil {
			for _, p := range r.Problems {
				s.io.Println("  " + p)
			}

			return err
		}

		s.io.Printf("ok (%d records, %d buckets)\n", r.Records, r.Buckets)

		return nil
	case "reorg":
		return s.db.Reorganize()
	case "bulk":
		return s.cmdBulk(args)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (s *shell) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}

	key, err := parseKeyArg(args[0])
	if err != nil {
		return err
	}

	value, err := s.db.Fetch(key)
	if err != nil {
		return err
	}

	s.io.Println(formatBytes(value))

	return nil
}

func (s *shell) cmdPut(args []string, insert bool) error {
	if len(args) < 1 {
		return errors.New("usage: put <key> [value...]")
	}

	key, err := parseKeyArg(args[0])
	if err != nil {
		return err
	}

	mode := hashdb.Replace
	if insert {
		mode = hashdb.Insert
	}

	return s.db.Store(key, []byte(strings.Join(args[1:], " ")), mode)
}

func (s *shell) cmdDel(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: del <key>...")
	}

	for _, arg := range args {
		key, err := parseKeyArg(arg)
		if err != nil {
			return err
		}

		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
	}

	return nil
}

func (s *shell) cmdLs(args []string) error {
	limit := 0

	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid limit: %s", args[0])
		}

		limit = n
	}

	shown := 0

	err := s.db.Iterate(func(key, value []byte) bool {
		s.io.Printf("%s\t%s\n", formatBytes(key), formatBytes(value))
		shown++

		return limit == 0 || shown < limit
	})
	if err != nil {
		return err
	}

	s.io.Printf("(%d shown)\n", shown)

	return nil
}

// cmdBulk inserts count records under random UUID keys, for growing a
// file through splits and directory doublings by hand.
func (s *shell) cmdBulk(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: bulk <count> [value-size]")
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		return fmt.Errorf("invalid count: %s", args[0])
	}

	size := 16

	if len(args) == 2 {
		size, err = strconv.Atoi(args[1])
		if err != nil || size < 0 {
			return fmt.Errorf("invalid value size: %s", args[1])
		}
	}

	before, err := s.db.Stats()
	if err != nil {
		return err
	}

	value := []byte(strings.Repeat("v", size))

	for i := range count {
		if err := s.db.Store([]byte(uuid.NewString()), value, hashdb.Insert); err != nil {
			return fmt.Errorf("after %d records: %w", i, err)
		}
	}

	after, err := s.db.Stats()
	if err != nil {
		return err
	}

	s.io.Printf("Inserted %d records (%d splits, dir_bits %d -> %d)\n",
		count, after.Splits-before.Splits, before.DirBits, after.DirBits)

	return nil
}

func (s *shell) printHelp() {
	s.io.Println("Commands:")
	s.io.Println("  get <key>                  Print a value")
	s.io.Println("  put <key> [value...]       Store a value, replacing any existing one")
	s.io.Println("  insert <key> [value...]    Store a value, failing if the key exists")
	s.io.Println("  del <key>...               Delete keys")
	s.io.Println("  ls [limit]                 List records")
	s.io.Println("  count                      Count records")
	s.io.Println("  stat                       Show file geometry")
	s.io.Println("  check                      Verify file structure")
	s.io.Println("  reorg                      Compact the file")
	s.io.Println("  bulk <count> [value-size]  Insert records under random keys")
	s.io.Println("  help                       Show this help")
	s.io.Println("  exit / quit / q            Exit")
	s.io.Println()
	s.io.Println("Keys starting with 0x are decoded as hex.")
}

var shellCommands = []string{
	"get", "put", "insert", "del", "delete", "ls", "list", "count",
	"stat", "info", "check", "reorg", "bulk", "help", "exit", "quit",
}

func (s *shell) newLineReader() (lineReader, bool) {
	in := s.io.Stdin()

	if f, ok := in.(*os.File); ok && f == os.Stdin && isTerminal(f) && liner.TerminalSupported() {
		return newTerminal(), true
	}

	return &scanReader{sc: bufio.NewScanner(in)}, false
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}

	return fi.Mode()&os.ModeCharDevice != 0
}

// terminal is a liner prompt with completion and persistent history.
type terminal struct {
	*liner.State
}

func newTerminal() *terminal {
	t := &terminal{State: liner.NewLiner()}
	t.SetCtrlCAborts(true)
	t.SetCompleter(func(line string) []string {
		var out []string

		lower := strings.ToLower(line)
		for _, c := range shellCommands {
			if strings.HasPrefix(c, lower) {
				out = append(out, c)
			}
		}

		return out
	})

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = t.ReadHistory(f)
		_ = f.Close()
	}

	return t
}

func (t *terminal) Close() error {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = t.WriteHistory(f)
			_ = f.Close()
		}
	}

	return t.State.Close()
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".hdbtool_history")
}

type scanReader struct {
	sc *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}

	if err := r.sc.Err(); err != nil {
		return "", err
	}

	return "", stdio.EOF
}

func (r *scanReader) Close() error { return nil }
