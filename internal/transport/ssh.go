package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultSSHPort     = 22
	DefaultDialTimeout = 10 * time.Second

	// Wide enough that the terminal never wraps echoed commands.
	defaultCols = 512
	defaultRows = 40
)

// SSHConfig describes how to reach and authenticate against a robot.
type SSHConfig struct {
	Host string
	Port int
	User string

	// KeyFile is a private key path. Encrypted keys are unlocked with a
	// passphrase resolved through Credentials.
	KeyFile     string
	Credentials Credentials
	// Password enables password authentication in addition to the key.
	Password string

	// KnownHostsFile enables host key verification. When empty any host key
	// is accepted, which is how robots on a lab network are usually reached.
	KnownHostsFile string

	DialTimeout time.Duration
	Term        string
	Cols, Rows  int

	Logger *slog.Logger
}

// Addr returns host:port.
func (c SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c SSHConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (c SSHConfig) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.KeyFile != "" {
		signer, err := loadSigner(expandHome(c.KeyFile), c.Credentials, c.logger())
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh key file or password configured")
	}
	return methods, nil
}

func (c SSHConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expandHome(c.KnownHostsFile))
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func loadSigner(path string, creds Credentials, logger *slog.Logger) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	passphrase, source, err := creds.Resolve(path)
	if err != nil {
		return nil, fmt.Errorf("key %s is encrypted: %w", path, err)
	}
	logger.Debug("ssh key passphrase resolved", "key", path, "source", source)
	signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("unlock key %s: %w", path, err)
	}
	return signer, nil
}

// Client is an authenticated SSH connection to one robot.
type Client struct {
	cfg    SSHConfig
	client *ssh.Client
}

// Dial connects and authenticates. The context bounds the TCP dial and the
// SSH handshake.
func Dial(ctx context.Context, cfg SSHConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh host is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	auth, err := cfg.authMethods()
	if err != nil {
		return nil, err
	}
	hostKey, err := cfg.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.DialTimeout,
	}

	addr := cfg.Addr()
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	deadline := time.Now().Add(cfg.DialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	cfg.logger().Debug("ssh connected", "addr", addr, "user", cfg.User)
	return &Client{cfg: cfg, client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Shell starts an interactive login shell on a pseudo terminal. Closing the
// returned channel leaves the client open.
func (c *Client) Shell() (Channel, error) {
	return c.shell(nil)
}

func (c *Client) shell(onClose func() error) (Channel, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	term := c.cfg.Term
	if term == "" {
		term = "dumb"
	}
	cols, rows := c.cfg.Cols, c.cfg.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	ch := newStreamChannel(stdout, stdin, func() error {
		err := sess.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if onClose != nil {
			if cerr := onClose(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	})
	go func() {
		err := sess.Wait()
		ch.end(err)
	}()
	return ch, nil
}

// ExecResult is the outcome of a one-shot remote command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Run executes command in a fresh SSH session, outside any interactive
// shell. A non-zero exit status is reported in the result, not as an error.
func (c *Client) Run(ctx context.Context, command string) (*ExecResult, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		default:
			return nil, fmt.Errorf("run %q: %w", command, err)
		}
		return res, nil
	}
}

// Close closes the SSH connection and every channel opened on it.
func (c *Client) Close() error {
	return c.client.Close()
}

// SSHOpener dials a new connection per Open and starts an interactive shell
// on it. The connection closes together with the channel.
type SSHOpener struct {
	Config SSHConfig
}

func (o SSHOpener) Open(ctx context.Context) (Channel, error) {
	c, err := Dial(ctx, o.Config)
	if err != nil {
		return nil, err
	}
	ch, err := c.shell(c.Close)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return ch, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
