// ABOUTME: Tests for the runtime secret env file materializer
// ABOUTME: Covers charset enforcement, permissions, rewrite, and clear semantics

package gatewayenv

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_AcceptsSafeValues(t *testing.T) {
	for _, v := range []string{
		"abc123",
		"sk-ant-api03-AbCdEf",
		"a.b:c/d+e=f_g-h",
		"=",
	} {
		got, err := Sanitize("token", v)
		require.NoError(t, err, "value %q", v)
		assert.Equal(t, v, got)
	}
}

func TestSanitize_RejectsUnsafeValues(t *testing.T) {
	for _, v := range []string{
		"",
		"has space",
		"semi;colon",
		"dollar$sign",
		"back`tick",
		"single'quote",
		`double"quote`,
		"pipe|char",
		"amp&ersand",
		"paren(thesis)",
		"angle<bracket>",
		"new\nline",
	} {
		_, err := Sanitize("token", v)
		require.Error(t, err, "value %q", v)

		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "value %q: want ValidationError, got %T", v, err)
	}
}

func TestWrite_TokenOnly(t *testing.T) {
	m := New(t.TempDir())

	require.NoError(t, m.Write("tok-123", "", "emergent"))

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.Equal(t, "export CLAWDBOT_GATEWAY_TOKEN=\"tok-123\"\n", string(data))

	info, err := os.Stat(m.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestWrite_ProviderKeys(t *testing.T) {
	tests := []struct {
		provider string
		wantVar  string
	}{
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"openai", "OPENAI_API_KEY"},
		{"openrouter", "OPENROUTER_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			m := New(t.TempDir())
			require.NoError(t, m.Write("tok-123", "key-456", tt.provider))

			data, err := os.ReadFile(m.Path())
			require.NoError(t, err)
			assert.Contains(t, string(data), tt.wantVar+"=\"key-456\"")
		})
	}
}

func TestWrite_EmergentKeyStaysOutOfEnvFile(t *testing.T) {
	m := New(t.TempDir())
	require.NoError(t, m.Write("tok-123", "key-456", "emergent"))

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "key-456")
}

func TestWrite_FullyRewrites(t *testing.T) {
	m := New(t.TempDir())

	require.NoError(t, m.Write("first-token", "old-key", "anthropic"))
	require.NoError(t, m.Write("second-token", "", "emergent"))

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "first-token")
	assert.NotContains(t, string(data), "old-key")
	assert.Contains(t, string(data), "second-token")
}

func TestWrite_RejectsUnsafeToken(t *testing.T) {
	m := New(t.TempDir())

	err := m.Write(`evil"; rm -rf /`, "", "emergent")
	require.Error(t, err)

	// Nothing should have been written.
	_, statErr := os.Stat(m.Path())
	assert.True(t, os.IsNotExist(statErr), "env file should not exist after rejected write")
}

func TestWrite_RoundTrip(t *testing.T) {
	m := New(t.TempDir())
	token := "a.b:c/d+e=f_g-h0123456789"

	require.NoError(t, m.Write(token, "", "emergent"))

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)

	line := strings.TrimSpace(string(data))
	value := strings.TrimSuffix(strings.TrimPrefix(line, `export CLAWDBOT_GATEWAY_TOKEN="`), `"`)
	assert.Equal(t, token, value)
}

func TestClear_RemovesFile(t *testing.T) {
	m := New(t.TempDir())
	require.NoError(t, m.Write("tok-123", "", "emergent"))

	require.NoError(t, m.Clear())

	_, err := os.Stat(m.Path())
	assert.True(t, os.IsNotExist(err), "env file should be deleted, not truncated")
}

func TestClear_IdempotentWhenMissing(t *testing.T) {
	m := New(t.TempDir())
	require.NoError(t, m.Clear())
}
