package cmdutil

import (
	"os"

	"github.com/hashicorp/go-envparse"
)

// ReadEnvFile parses a KEY=VALUE env file via go-envparse, matching the
// teacher's cmd/atlas/main.go readEnv helper.
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

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
