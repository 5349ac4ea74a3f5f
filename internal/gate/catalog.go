package gate

import (
	_ "embed"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Access is the static read/write tag of an operation.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

//go:embed integrations.yaml
var defaultCatalog []byte

// Relay lets some operations run with a shared platform secret instead of the
// user's own credential.
type Relay struct {
	SecretEnv  string   `yaml:"secret_env"`
	Flag       string   `yaml:"flag"`
	Operations []string `yaml:"operations"`
}

// Integration is one catalog entry.
type Integration struct {
	ID         string            `yaml:"id"`
	CLI        string            `yaml:"cli"`
	SecretEnv  string            `yaml:"secret_env"`
	Nested     bool              `yaml:"nested"`
	Custom     bool              `yaml:"custom"`
	Relay      *Relay            `yaml:"relay"`
	Operations map[string]Access `yaml:"operations"`
	// BoolFlags take no value. Any other flag written without "=" consumes
	// the next word.
	BoolFlags []string `yaml:"bool_flags"`
}

// Catalog maps CLI names to integrations.
type Catalog struct {
	byCLI map[string]*Integration
}

type catalogFile struct {
	Integrations []Integration `yaml:"integrations"`
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads the embedded catalog and, when file is set, merges the
// entries of file over it.
func LoadCatalog(file string) (*Catalog, error) {
	cat, err := DefaultCatalog()
	if err != nil {
		return nil, err
	}
	if file == "" {
		return cat, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read integrations file: %w", err)
	}
	extra, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	for cli, integ := range extra.byCLI {
		cat.byCLI[cli] = integ
	}
	return cat, nil
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse integration catalog: %w", err)
	}
	cat := &Catalog{byCLI: make(map[string]*Integration, len(f.Integrations))}
	for i := range f.Integrations {
		integ := f.Integrations[i]
		if integ.ID == "" || integ.CLI == "" {
			return nil, fmt.Errorf("integration %d: id and cli are required", i)
		}
		for op, access := range integ.Operations {
			if access != AccessRead && access != AccessWrite {
				return nil, fmt.Errorf("integration %s: operation %s has invalid access %q", integ.ID, op, access)
			}
		}
		cat.byCLI[integ.CLI] = &integ
	}
	return cat, nil
}

// Lookup returns the integration behind a CLI name, or nil.
func (c *Catalog) Lookup(cli string) *Integration {
	return c.byCLI[path.Base(cli)]
}

// Invocation is one classified integration command.
type Invocation struct {
	Integration *Integration
	Operation   string
	Access      Access
	Args        []string
	// RelayEligible is set when the relay secret can stand in for the
	// integration credential.
	RelayEligible bool
}

// Classify tokenizes a shell command and returns the integration invocations
// it contains, in order. Commands of unknown CLIs are omitted.
func (c *Catalog) Classify(command string) ([]Invocation, error) {
	segments, err := Tokenize(command)
	if err != nil {
		return nil, err
	}

	var out []Invocation
	for _, words := range segments {
		words = stripEnvAssignments(words)
		if len(words) == 0 {
			continue
		}
		integ := c.Lookup(words[0])
		if integ == nil {
			continue
		}
		out = append(out, classifyWords(integ, words[1:]))
	}
	return out, nil
}

func classifyWords(integ *Integration, rest []string) Invocation {
	var positional []string
	for i := 0; i < len(rest); i++ {
		w := rest[i]
		if w == "--" {
			positional = append(positional, rest[i+1:]...)
			break
		}
		if !strings.HasPrefix(w, "-") || w == "-" {
			positional = append(positional, w)
			continue
		}
		if !strings.Contains(w, "=") && !integ.isBoolFlag(w) {
			i++
		}
	}

	inv := Invocation{Integration: integ, Args: rest}
	switch {
	case integ.Nested && len(positional) >= 2:
		inv.Operation = positional[0] + "." + positional[1]
	case !integ.Nested && len(positional) >= 1:
		inv.Operation = positional[0]
	case len(positional) == 1:
		inv.Operation = positional[0]
	}

	if access, ok := integ.Operations[inv.Operation]; ok {
		inv.Access = access
	} else if inv.Operation == "" && hasFlag(rest, "--help", "-h") {
		inv.Access = AccessRead
	} else {
		inv.Access = AccessWrite
	}

	if r := integ.Relay; r != nil && hasFlag(rest, r.Flag) {
		for _, op := range r.Operations {
			if op == inv.Operation {
				inv.RelayEligible = true
			}
		}
	}
	return inv
}

func (integ *Integration) isBoolFlag(flag string) bool {
	switch flag {
	case "--help", "-h":
		return true
	}
	if integ.Relay != nil && flag == integ.Relay.Flag {
		return true
	}
	for _, f := range integ.BoolFlags {
		if f == flag {
			return true
		}
	}
	return false
}

func hasFlag(args []string, flags ...string) bool {
	for _, a := range args {
		for _, f := range flags {
			if a == f {
				return true
			}
		}
	}
	return false
}

// stripEnvAssignments drops leading NAME=value words.
func stripEnvAssignments(words []string) []string {
	for len(words) > 0 {
		eq := strings.IndexByte(words[0], '=')
		if eq <= 0 || strings.ContainsAny(words[0][:eq], "/.-") {
			break
		}
		words = words[1:]
	}
	return words
}
