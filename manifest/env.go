package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFile is read from the script's directory when present.
const EnvFile = ".env"

// CaptureEnv returns the environment handed to scripts: the variables in
// the .env file next to scriptPath overlaid by the process environment.
// A missing .env file is not an error.
func CaptureEnv(scriptPath string) (map[string]string, error) {
	env := make(map[string]string)

	path := filepath.Join(filepath.Dir(scriptPath), EnvFile)
	fileEnv, err := godotenv.Read(path)
	switch {
	case err == nil:
		for k, v := range fileEnv {
			env[k] = v
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			env[k] = v
		}
	}
	return env, nil
}
