package config

import (
	"os"

	"github.com/hashicorp/go-envparse"
)

// ReadEnvFile parses an env file (KEY=VALUE per line, shell-style quoting
// and comments) via hashicorp/go-envparse, the same library
// `cmd/atlas/main.go`'s readEnv uses, and returns it as "KEY=VALUE" pairs
// suitable for Config.UnmarshalEnv.
func ReadEnvFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
