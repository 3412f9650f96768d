package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

// DefaultPasswordFile is where robot key passphrases are conventionally kept.
const DefaultPasswordFile = "~/.ssh/ot2_ssh_password"

var (
	ErrNoCredentials = errors.New("no passphrase available")
	ErrNoTerminal    = errors.New("stdin is not a terminal")
)

// Source names where a secret was found.
type Source string

const (
	SourceNone     Source = "none"
	SourceArgument Source = "argument"
	SourceKeyring  Source = "keyring"
	SourceFile     Source = "file"
	SourcePrompt   Source = "prompt"
)

// SecretStore looks up stored secrets by key.
type SecretStore interface {
	Get(key string) (string, error)
}

// Credentials resolves a key passphrase. Sources are consulted in order:
// Passphrase, Store, PasswordFile, Prompt. The first non-empty value wins.
type Credentials struct {
	Passphrase string

	Store SecretStore
	// StoreKey defaults to the key file path.
	StoreKey string

	PasswordFile string

	Prompt func(keyFile string) (string, error)
}

// Resolve returns the passphrase for keyFile and where it came from.
func (c Credentials) Resolve(keyFile string) (string, Source, error) {
	if c.Passphrase != "" {
		return c.Passphrase, SourceArgument, nil
	}
	if c.Store != nil {
		key := c.StoreKey
		if key == "" {
			key = keyFile
		}
		if v, err := c.Store.Get(key); err == nil && v != "" {
			return v, SourceKeyring, nil
		}
	}
	if c.PasswordFile != "" {
		data, err := os.ReadFile(expandHome(c.PasswordFile))
		switch {
		case err == nil:
			if v := strings.TrimSpace(string(data)); v != "" {
				return v, SourceFile, nil
			}
		case !errors.Is(err, os.ErrNotExist):
			return "", SourceNone, fmt.Errorf("read password file: %w", err)
		}
	}
	if c.Prompt != nil {
		v, err := c.Prompt(keyFile)
		if err != nil {
			return "", SourceNone, err
		}
		return v, SourcePrompt, nil
	}
	return "", SourceNone, ErrNoCredentials
}

// KeyringStore keeps passphrases in the operating system keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the keyring for service.
func OpenKeyring(service string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
		PassPrefix:               service,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring %s: %w", service, err)
	}
	return &KeyringStore{ring: ring}, nil
}

func (k *KeyringStore) Get(key string) (string, error) {
	item, err := k.ring.Get(key)
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

func (k *KeyringStore) Set(key, value string) error {
	return k.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       "SSH key passphrase",
		Description: key,
	})
}

func (k *KeyringStore) Remove(key string) error {
	err := k.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}

// TerminalPrompt reads a passphrase from in without echo. It fails with
// ErrNoTerminal when in is not a terminal.
func TerminalPrompt(in *os.File, out io.Writer) func(string) (string, error) {
	return func(keyFile string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", ErrNoTerminal
		}
		fmt.Fprintf(out, "Passphrase for %s: ", keyFile)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
