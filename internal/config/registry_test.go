package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withRegistry swaps in a fresh registry for the duration of a test.
func withRegistry(t *testing.T, infos ...ConfigKeyInfo) {
	t.Helper()
	registryMu.Lock()
	original := registry
	registry = make(map[string]ConfigKeyInfo)
	for _, info := range infos {
		registry[info.Key] = info
	}
	registryMu.Unlock()

	t.Cleanup(func() {
		registryMu.Lock()
		registry = original
		registryMu.Unlock()
	})
}

func TestSuggest(t *testing.T) {
	candidates := []string{"acme.motd", "acme.motd.messages", "envisage.service_offers", "greetings"}

	tests := []struct {
		name string
		key  string
		want []string
	}{
		{name: "typo in last segment", key: "acme.motd.mesages", want: []string{"acme.motd.messages"}},
		{name: "typo in plugin id", key: "acme.mtod", want: []string{"acme.motd"}},
		{name: "exact match excluded", key: "greetings", want: []string{}},
		{name: "nothing close", key: "org.example.unrelated", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Suggest(tt.key, candidates, 3))
		})
	}
}

func TestSuggestLimitsResults(t *testing.T) {
	got := Suggest("a.x", []string{"a.y", "a.z", "a.w", "b.x"}, 2)
	assert.Len(t, got, 2)
}

func TestFindSimilarKeys(t *testing.T) {
	withRegistry(t,
		ConfigKeyInfo{Key: "plugins.exclude"},
		ConfigKeyInfo{Key: "plugins.include"},
		ConfigKeyInfo{Key: "extensions.cacheSize"},
	)

	results := FindSimilarKeys("extensions.cachSize", 3)
	assert.Contains(t, results, "extensions.cacheSize")
}

func TestValidationWarningString(t *testing.T) {
	tests := []struct {
		name        string
		warning     ValidationWarning
		wantContain string
	}{
		{
			name:        "single suggestion",
			warning:     ValidationWarning{Key: "plugins.exlude", Suggestions: []string{"plugins.exclude"}},
			wantContain: "Did you mean 'plugins.exclude'?",
		},
		{
			name:        "multiple suggestions",
			warning:     ValidationWarning{Key: "plugins.clude", Suggestions: []string{"plugins.include", "plugins.exclude"}},
			wantContain: "Did you mean one of these?",
		},
		{
			name:        "no suggestions",
			warning:     ValidationWarning{Key: "unknown.key"},
			wantContain: "'unknown.key' is not a known config key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.warning.String(), tt.wantContain)
		})
	}
}

func TestRegisterConfigKey(t *testing.T) {
	withRegistry(t)

	RegisterConfigKey(ConfigKeyInfo{Key: "test.key", Description: "Test key", Type: "string", Default: "x"})
	RegisterDeprecatedKey("test.old", "test.key")

	require.True(t, IsRegisteredKey("test.key"))
	info, ok := LookupConfigKey("test.key")
	require.True(t, ok)
	assert.Equal(t, "Test key", info.Description)

	old, ok := LookupConfigKey("test.old")
	require.True(t, ok)
	assert.True(t, old.Deprecated)
	assert.Equal(t, []string{"test.key", "test.old"}, AllRegisteredKeys())
	assert.Equal(t, map[string]interface{}{"test.key": "x"}, DefaultConfigs())
}

func TestHasRegisteredPrefix(t *testing.T) {
	withRegistry(t, ConfigKeyInfo{Key: "acme"})

	assert.True(t, HasRegisteredPrefix("acme.motd.enabled"))
	assert.False(t, HasRegisteredPrefix("acme"))
	assert.False(t, HasRegisteredPrefix("other.key"))
}

func TestGetPrefix(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"acme.motd.messages", "acme.motd"},
		{"plugins.exclude", "plugins"},
		{"simple", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, getPrefix(tt.key), tt.key)
	}
}

func TestTransformEnv(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "ENVISAGE__EXTENSIONS__CACHE_SIZE", want: "extensions.cacheSize"},
		{input: "ENVISAGE__LOGGING__FORMAT", want: "logging.format"},
		{input: "ENVISAGE__A__B_C", want: "a.bC"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, TransformEnv(tt.input))
		})
	}
}

func TestSearchForConfig(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, SearchForConfig("envisage-rando-11234.yaml", dir))
	assert.True(t, strings.HasSuffix(SearchForConfig("registry.go", "."), "registry.go"))
}
