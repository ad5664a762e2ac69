// ABOUTME: Runtime JSON config writer for the supervised gateway process
// ABOUTME: Merge-updates the file, reusing the auth token unless rotation is forced

package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the gateway's own config file inside the config dir.
// This file is the only place the live auth token persists across
// control-plane restarts.
const ConfigFileName = "clawdbot.json"

// providerEnvVar maps a provider to the env var its API key is read from.
// The emergent provider is absent: its key is embedded in the config file
// directly rather than referenced through the environment.
var providerEnvVar = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// defaultModels are the model aliases installed when the caller does not
// override them.
var defaultModels = map[string]string{
	"emergent":   "claude-sonnet-4",
	"anthropic":  "claude-sonnet-4",
	"openai":     "gpt-4.1",
	"openrouter": "anthropic/claude-sonnet-4",
}

// KnownProvider reports whether the provider name is one the gateway's
// catalog supports.
func KnownProvider(provider string) bool {
	if provider == "emergent" {
		return true
	}
	_, ok := providerEnvVar[provider]
	return ok
}

// ConfigFile materializes the gateway's runtime configuration.
type ConfigFile struct {
	dir       string
	port      int
	workspace string
}

func NewConfigFile(dir string, port int, workspace string) *ConfigFile {
	return &ConfigFile{dir: dir, port: port, workspace: workspace}
}

func (c *ConfigFile) path() string {
	return filepath.Join(c.dir, ConfigFileName)
}

// MaterializeRequest describes one config materialization.
type MaterializeRequest struct {
	Provider    string
	APIKey      string
	Model       string
	ForceRotate bool
}

// Materialize merge-updates the gateway config file and returns the live
// auth token. An existing token is reused unless rotation is forced; keys
// outside the blocks written here are preserved so operator edits survive.
func (c *ConfigFile) Materialize(req MaterializeRequest) (string, error) {
	cfg, err := c.read()
	if err != nil {
		return "", err
	}

	token := existingToken(cfg)
	if token == "" || req.ForceRotate {
		token, err = newAuthToken()
		if err != nil {
			return "", err
		}
	}

	cfg["gateway"] = map[string]any{
		"port": c.port,
		"bind": "127.0.0.1",
		"auth": map[string]any{
			"mode":  "token",
			"token": token,
		},
	}

	model := req.Model
	if model == "" {
		model = defaultModels[req.Provider]
	}

	provider := map[string]any{"model": model}
	if req.Provider == "emergent" {
		key := req.APIKey
		if key == "" {
			// The platform key is ambient on emergent deployments; callers
			// there do not supply their own.
			key = os.Getenv("EMERGENT_API_KEY")
		}
		provider["apiKey"] = key
	} else if envVar, ok := providerEnvVar[req.Provider]; ok {
		provider["apiKey"] = "${" + envVar + "}"
	} else {
		return "", fmt.Errorf("unknown provider %q", req.Provider)
	}

	cfg["models"] = map[string]any{
		"default":  req.Provider + "/" + model,
		"provider": req.Provider,
		"catalog": map[string]any{
			req.Provider: provider,
		},
	}

	if _, ok := cfg["workspace"]; !ok {
		cfg["workspace"] = c.workspace
	}

	if err := c.write(cfg); err != nil {
		return "", err
	}
	return token, nil
}

// ReadToken recovers the live auth token from the config file. Used during
// startup recovery when the control plane's in-memory state was lost.
func (c *ConfigFile) ReadToken() (string, error) {
	cfg, err := c.read()
	if err != nil {
		return "", err
	}
	token := existingToken(cfg)
	if token == "" {
		return "", errors.New("no auth token in gateway config")
	}
	return token, nil
}

func (c *ConfigFile) read() (map[string]any, error) {
	data, err := os.ReadFile(c.path())
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading gateway config: %w", err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing gateway config: %w", err)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

func (c *ConfigFile) write(cfg map[string]any) error {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("creating gateway config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding gateway config: %w", err)
	}
	if err := os.WriteFile(c.path(), append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("writing gateway config: %w", err)
	}
	return nil
}

func existingToken(cfg map[string]any) string {
	gw, ok := cfg["gateway"].(map[string]any)
	if !ok {
		return ""
	}
	auth, ok := gw["auth"].(map[string]any)
	if !ok {
		return ""
	}
	token, _ := auth["token"].(string)
	return token
}

func newAuthToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating gateway token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
