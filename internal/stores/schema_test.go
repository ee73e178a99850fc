package stores

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_Validate(t *testing.T) {
	s, err := NewSchema()
	require.NoError(t, err)

	tests := []struct {
		name       string
		definition string
		input      string
		wantErr    bool
	}{
		{"adaptor", "#Adaptor", `{"name":"a","versions":[{"version":"1.0.0"}]}`, false},
		{"adaptor extra fields", "#Adaptor", `{"name":"a","versions":[],"stars":3}`, false},
		{"adaptor missing name", "#Adaptor", `{"versions":[]}`, true},
		{"adaptor empty name", "#Adaptor", `{"name":"","versions":[]}`, true},
		{"adaptor bad version", "#Adaptor", `{"name":"a","versions":[{"version":1}]}`, true},
		{"project credential", "#ProjectCredential", `{"id":"c1","name":"prod","owner":null,"external_id":null}`, false},
		{"keychain credential", "#KeychainCredential", `{"id":"k1","name":"kc","path":"$.org","default_credential_id":null}`, false},
		{"keychain missing id", "#KeychainCredential", `{"name":"kc"}`, true},
		{"session context", "#SessionContext", `{"user":{"id":"u1","email":"a@b.c"},"project":null,"config":{"require_email_verification":true}}`, false},
		{"session context bad user", "#SessionContext", `{"user":"nobody","project":null,"config":{}}`, true},
		{"not json", "#Adaptor", `{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.definition, json.RawMessage(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				var ve *ValidationError
				assert.ErrorAs(t, err, &ve)
				assert.Equal(t, tt.definition, ve.Definition)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSchema_UnknownDefinition(t *testing.T) {
	err := builtinSchema().Validate("#Nope", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "#Nope")
}
