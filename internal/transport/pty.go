package transport

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// PTYOpener starts a local shell on a pseudo terminal. It stands in for a
// robot when developing against a simulator or running integration tests.
type PTYOpener struct {
	// Command defaults to /bin/sh with Args ["-i"].
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

func (o PTYOpener) command() *exec.Cmd {
	name, args := o.Command, o.Args
	if name == "" {
		name = "/bin/sh"
		if len(args) == 0 {
			args = []string{"-i"}
		}
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = o.Dir
	cmd.Env = append(os.Environ(),
		"PS1=# ",
		"PS2=> ",
		"TERM=dumb",
		"NO_COLOR=1",
		// Python 3.13+ otherwise starts a REPL that redraws lines.
		"PYTHON_BASIC_REPL=1",
	)
	for k, v := range o.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd
}

func (o PTYOpener) Open(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ws := &pty.Winsize{Cols: defaultCols, Rows: defaultRows}
	cmd := o.command()
	f, err := startPTY(cmd, ws, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		cmd = o.command()
		f, err = startPTY(cmd, ws, false)
	}
	if err != nil {
		return nil, err
	}

	ch := newStreamChannel(f, f, func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return f.Close()
	})
	go func() {
		err := cmd.Wait()
		ch.end(err)
	}()
	return ch, nil
}

func startPTY(cmd *exec.Cmd, ws *pty.Winsize, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	} else {
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}
