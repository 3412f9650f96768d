package transport

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type mapStore map[string]string

func (m mapStore) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writePasswordFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ot2_ssh_password")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveOrder(t *testing.T) {
	const keyFile = "/keys/ot2_ssh_key"
	file := writePasswordFile(t, "from-file\n")
	prompted := 0
	prompt := func(k string) (string, error) {
		prompted++
		if k != keyFile {
			t.Errorf("prompt key = %q", k)
		}
		return "typed", nil
	}

	tests := []struct {
		name       string
		creds      Credentials
		want       string
		wantSource Source
	}{
		{
			name:       "argument wins",
			creds:      Credentials{Passphrase: "arg", Store: mapStore{keyFile: "stored"}, PasswordFile: file, Prompt: prompt},
			want:       "arg",
			wantSource: SourceArgument,
		},
		{
			name:       "keyring by key file",
			creds:      Credentials{Store: mapStore{keyFile: "stored"}, PasswordFile: file, Prompt: prompt},
			want:       "stored",
			wantSource: SourceKeyring,
		},
		{
			name:       "keyring by explicit key",
			creds:      Credentials{Store: mapStore{"ot2": "named"}, StoreKey: "ot2", Prompt: prompt},
			want:       "named",
			wantSource: SourceKeyring,
		},
		{
			name:       "empty keyring entry falls through",
			creds:      Credentials{Store: mapStore{keyFile: ""}, PasswordFile: file, Prompt: prompt},
			want:       "from-file",
			wantSource: SourceFile,
		},
		{
			name:       "keyring miss falls through to file",
			creds:      Credentials{Store: mapStore{}, PasswordFile: file, Prompt: prompt},
			want:       "from-file",
			wantSource: SourceFile,
		},
		{
			name:       "missing file falls through to prompt",
			creds:      Credentials{PasswordFile: filepath.Join(t.TempDir(), "absent"), Prompt: prompt},
			want:       "typed",
			wantSource: SourcePrompt,
		},
		{
			name:       "blank file falls through to prompt",
			creds:      Credentials{PasswordFile: writePasswordFile(t, "  \n"), Prompt: prompt},
			want:       "typed",
			wantSource: SourcePrompt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompted = 0
			got, src, err := tt.creds.Resolve(keyFile)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want || src != tt.wantSource {
				t.Fatalf("Resolve = %q from %s, want %q from %s", got, src, tt.want, tt.wantSource)
			}
			if tt.wantSource != SourcePrompt && prompted != 0 {
				t.Fatalf("prompted %d times with an earlier source available", prompted)
			}
		})
	}
}

func TestResolveNoSource(t *testing.T) {
	_, src, err := Credentials{}.Resolve("/keys/ot2_ssh_key")
	if !errors.Is(err, ErrNoCredentials) || src != SourceNone {
		t.Fatalf("Resolve = %s, %v", src, err)
	}
}

func TestResolvePromptError(t *testing.T) {
	creds := Credentials{Prompt: func(string) (string, error) { return "", ErrNoTerminal }}
	if _, _, err := creds.Resolve("k"); !errors.Is(err, ErrNoTerminal) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveUnreadableFile(t *testing.T) {
	// A directory exists but cannot be read as a file.
	creds := Credentials{PasswordFile: t.TempDir(), Prompt: func(string) (string, error) { return "typed", nil }}
	_, _, err := creds.Resolve("k")
	if err == nil || !strings.Contains(err.Error(), "read password file") {
		t.Fatalf("err = %v", err)
	}
}

func TestTerminalPromptRejectsNonTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out strings.Builder
	if _, err := TerminalPrompt(f, &out)("k"); !errors.Is(err, ErrNoTerminal) {
		t.Fatalf("err = %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("prompted on a non-terminal: %q", out.String())
	}
}
