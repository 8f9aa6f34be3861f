package mirror

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/openmined/treesync/internal/utils"
)

// StaticToken is a TokenProvider for an already known credential.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// EnvTokenProvider reads the token from the environment, falling back to an env file.
// The process environment always wins over the file.
type EnvTokenProvider struct {
	Var     string
	EnvFile string
}

func (p *EnvTokenProvider) Token() (string, error) {
	if v := strings.TrimSpace(os.Getenv(p.Var)); v != "" {
		return v, nil
	}
	if p.EnvFile == "" || !utils.FileExists(p.EnvFile) {
		return "", nil
	}

	env, err := godotenv.Read(p.EnvFile)
	if err != nil {
		return "", fmt.Errorf("read env file %q: %w", p.EnvFile, err)
	}
	return strings.TrimSpace(env[p.Var]), nil
}
