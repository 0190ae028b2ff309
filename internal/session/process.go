package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Process is a running agent process. Stdin carries stream-json user
// messages, Stdout carries the line-delimited event protocol.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader

	// Interrupt asks the agent to abandon the current turn (SIGINT).
	Interrupt() error

	// Kill forcibly terminates the process and its children.
	Kill() error

	// Wait blocks until the process exits and returns its exit error.
	Wait() error
}

// Launcher starts agent processes. Injecting it keeps the state
// machine testable without a real agent binary on PATH.
type Launcher interface {
	Launch() (Process, error)
}

const defaultAgentCommand = "claude"

// Stream-json flags understood by the agent CLI.
var streamModeArgs = []string{
	"--input-format", "stream-json",
	"--output-format", "stream-json",
	"--verbose",
}

// CLILauncher spawns the agent CLI subprocess in stream-json mode.
type CLILauncher struct {
	Command   string   // defaults to "claude"
	ExtraArgs []string // appended after the stream-json flags
	WorkDir   string
	Env       []string // appended to the inherited environment
}

// Launch implements Launcher.
func (l *CLILauncher) Launch() (Process, error) {
	command := l.Command
	if command == "" {
		command = defaultAgentCommand
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("agent command %q not found in PATH", command)
	}

	args := append([]string{}, streamModeArgs...)
	args = append(args, l.ExtraArgs...)

	cmd := exec.Command(path, args...)
	cmd.Dir = l.WorkDir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	// Own process group so Kill reaps MCP servers and other children
	// instead of orphaning them.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	return &cliProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type cliProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *cliProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *cliProcess) Stdout() io.Reader     { return p.stdout }

func (p *cliProcess) Interrupt() error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *cliProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	// Negative pid targets the whole process group.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *cliProcess) Wait() error {
	return p.cmd.Wait()
}

// exitCode extracts the process exit code from a Wait error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
