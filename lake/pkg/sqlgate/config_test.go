package sqlgate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAccounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected map[string]string
		wantErr  bool
	}{
		{name: "empty", input: "", expected: map[string]string{}},
		{name: "single", input: "analyst:secret", expected: map[string]string{"analyst": "secret"}},
		{
			name:     "multiple with spaces",
			input:    " analyst:secret , bi:p@ss:word ,",
			expected: map[string]string{"analyst": "secret", "bi": "p@ss:word"},
		},
		{name: "missing password", input: "analyst", wantErr: true},
		{name: "empty username", input: ":secret", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAccounts(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv(AccountsEnv, "bi:pw")

	cfg := Config{Accounts: map[string]string{"analyst": "secret"}}
	require.NoError(t, cfg.LoadFromEnv())
	require.Equal(t, map[string]string{"analyst": "secret", "bi": "pw"}, cfg.Accounts)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.EqualError(t, cfg.Validate(), "logger is required")
}
