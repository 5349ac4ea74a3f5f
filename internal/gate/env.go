package gate

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// CredentialEnv is the environment of the live session the gate protects.
type CredentialEnv interface {
	Lookup(key string) string
	Set(values map[string]string) error
}

// ProcessEnv reads and writes the current process environment.
type ProcessEnv struct{}

func (ProcessEnv) Lookup(key string) string { return os.Getenv(key) }

func (ProcessEnv) Set(values map[string]string) error {
	for k, v := range values {
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// FileEnv layers a KEY=VALUE file over the process environment. The hook
// binary runs once per tool call, so injected tokens persist in the file and
// the sandbox shell sources it.
type FileEnv struct {
	path string
	mu   sync.Mutex
}

// NewFileEnv returns an env backed by path.
func NewFileEnv(path string) *FileEnv {
	return &FileEnv{path: path}
}

func (e *FileEnv) read() (map[string]string, error) {
	f, err := os.Open(e.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeEnvFile(f)
}

func (e *FileEnv) Lookup(key string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if values, err := e.read(); err == nil {
		if v, ok := values[key]; ok && v != "" {
			return v
		}
	}
	return os.Getenv(key)
}

func (e *FileEnv) Set(values map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, err := e.read()
	if err != nil {
		return fmt.Errorf("failed to read env file: %w", err)
	}
	for k, v := range values {
		current[k] = v
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o700); err != nil {
		return fmt.Errorf("failed to create env file directory: %w", err)
	}
	if err := os.WriteFile(e.path, EncodeEnvFile(current), 0o600); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	return nil
}

// EncodeEnvFile renders values as sorted, shell-quoted export lines that both
// a shell and FileEnv can read.
func EncodeEnvFile(values map[string]string) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(values[k]))
	}
	return b.Bytes()
}

// DecodeEnvFile parses KEY=VALUE lines, with or without "export".
func DecodeEnvFile(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" || strings.HasPrefix(k, "#") {
			continue
		}
		values[k] = unquote(v)
	}
	return values, scanner.Err()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return strings.ReplaceAll(v[1:len(v)-1], `'"'"'`, "'")
	}
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// MapEnv is an in-memory CredentialEnv.
type MapEnv struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMapEnv copies values into a new MapEnv.
func NewMapEnv(values map[string]string) *MapEnv {
	m := &MapEnv{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *MapEnv) Lookup(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

func (m *MapEnv) Set(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}
