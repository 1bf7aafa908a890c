package cli_test

import (
	"bytes"
	"os"
	"syscall"
	"testing"

	"github.com/calvinalkan/hashdb/internal/cli"
)

func Test_Invalid_Global_Flag_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("--invalid-flag", "ls")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")

	cli.AssertContains(t, stderr, "Global flags:")
	cli.AssertContains(t, stderr, "--help")
	cli.AssertContains(t, stderr, "--cwd")
	cli.AssertContains(t, stderr, "--config")
	cli.AssertContains(t, stderr, "--db")
}

func Test_Empty_DB_Flag_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("--db=", "ls")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "db cannot be empty")
}

func Test_Bare_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"hdbtool"}, nil, nil)

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stderr.String(), ""; got != want {
		t.Errorf("stderr=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stdout.String(), "hdbtool - inspect and edit hashdb files")
	cli.AssertContains(t, stdout.String(), "--cwd")
	cli.AssertContains(t, stdout.String(), "put <key> [value]")
	cli.AssertContains(t, stdout.String(), "recover")
}

func Test_Unknown_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "Commands:")
}

func Test_Only_Global_Flags_When_No_Command(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("-v")

	cli.AssertContains(t, stderr, "no command provided")
}

func Test_Command_Help_When_Help_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("put", "--help")

	cli.AssertContains(t, stdout, "Usage: hdbtool put <key> [value] [flags]")
	cli.AssertContains(t, stdout, "--insert")
	cli.AssertContains(t, stdout, "--file")
}

func Test_Command_Flag_Error_When_Unknown_Flag(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	_, stderr, code := c.Run("get", "--bogus", "k")

	if code != 1 {
		t.Fatalf("exitCode=%d, want=1", code)
	}

	cli.AssertContains(t, stderr, "unknown flag: --bogus")
}

func Test_Verbose_Logs_Engine_Events_When_File_Grows(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("create", "--block-size", "512")

	input := ""
	for i := range 40 {
		input += "put k" + string(rune('A'+i%26)) + string(rune('a'+i/26)) + " v\n"
	}

	stdout, stderr, code := c.RunWithInput(input, "-v", "shell")
	if code != 0 {
		t.Fatalf("exitCode=%d\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}

	cli.AssertContains(t, stderr, "DEBUG")
	cli.AssertContains(t, stderr, "split")
}

func Test_Run_Returns_When_Signal_Received(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("put", "k", "v")

	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGINT

	var stdout, stderr bytes.Buffer

	// The command may or may not observe the cancellation before it
	// finishes; either way Run must return and leave the file usable.
	cli.Run(nil, &stdout, &stderr, []string{"hdbtool", "--cwd", c.Dir, "ls"}, nil, sigCh)

	if got := c.MustRun("get", "k"); got != "v" {
		t.Fatalf("get after signal=%q, want %q", got, "v")
	}
}
