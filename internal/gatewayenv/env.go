// ABOUTME: Writes and clears the runtime secret env file consumed by the supervised gateway
// ABOUTME: Enforces a strict allow-listed charset; unsafe values are rejected, never escaped

package gatewayenv

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// FileName is the env file name inside the gateway config directory.
const FileName = "gateway.env"

// safeShellValue is the only charset permitted inside the quoted export
// values. Escaping is deliberately not offered: the consuming shell's
// quoting rules are an unreliable injection boundary, so anything outside
// this set fails the write.
var safeShellValue = regexp.MustCompile(`^[a-zA-Z0-9\-_.:+/=]+$`)

// ValidationError reports a value that is unsafe to embed in the env file.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gatewayenv: %s contains characters unsafe for shell export (allowed: A-Za-z0-9 - _ . : + / =)", e.Field)
}

// Materializer writes the gateway's runtime secrets to an env file loaded
// by the supervised process's wrapper script at each (re)start.
type Materializer struct {
	dir string
}

// New creates a Materializer rooted at the gateway config directory.
func New(dir string) *Materializer {
	return &Materializer{dir: dir}
}

// Path returns the full path of the env file.
func (m *Materializer) Path() string {
	return filepath.Join(m.dir, FileName)
}

// Sanitize validates value for use in a shell export statement.
// It returns a ValidationError naming field if the value is empty or
// contains anything outside the allow-listed charset.
func Sanitize(field, value string) (string, error) {
	if value == "" {
		return "", &ValidationError{Field: field}
	}
	if !safeShellValue.MatchString(value) {
		return "", &ValidationError{Field: field}
	}
	return value, nil
}

// Write materializes the env file with the gateway token and, depending on
// provider, an API key entry. The file is fully rewritten (never appended)
// with owner-only permissions. All values are validated before any I/O.
func (m *Materializer) Write(token, apiKey, provider string) error {
	safeToken, err := Sanitize("token", token)
	if err != nil {
		return err
	}

	lines := []string{
		fmt.Sprintf(`export CLAWDBOT_GATEWAY_TOKEN="%s"`, safeToken),
	}

	if apiKey != "" {
		safeKey, err := Sanitize("api key", apiKey)
		if err != nil {
			return err
		}
		switch provider {
		case "anthropic":
			lines = append(lines, fmt.Sprintf(`export ANTHROPIC_API_KEY="%s"`, safeKey))
		case "openai":
			lines = append(lines, fmt.Sprintf(`export OPENAI_API_KEY="%s"`, safeKey))
		case "openrouter":
			lines = append(lines, fmt.Sprintf(`export OPENROUTER_API_KEY="%s"`, safeKey))
		}
		// The emergent provider's key lives in the runtime config file,
		// not the env file.
	}

	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return fmt.Errorf("creating env dir: %w", err)
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(m.Path(), []byte(content), 0600); err != nil {
		return fmt.Errorf("writing env file: %w", err)
	}
	return nil
}

// Clear removes the env file entirely so no stale secret persists.
// Removing a file that does not exist is not an error.
func (m *Materializer) Clear() error {
	if err := os.Remove(m.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing env file: %w", err)
	}
	return nil
}
