package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymail/dispatch/internal/domain"
)

func TestValidateCredentials(t *testing.T) {
	tests := []struct {
		name    string
		backend domain.BackendType
		creds   Credentials
		want    bool
	}{
		{"gmail complete", domain.BackendGmail, Credentials{"accessToken": "a", "refreshToken": "r"}, true},
		{"gmail missing refresh", domain.BackendGmail, Credentials{"accessToken": "a"}, false},
		{"outlook complete", domain.BackendOutlook, Credentials{"accessToken": "a", "refreshToken": "r"}, true},
		{"sendgrid complete", domain.BackendSendGrid, Credentials{"apiKey": "k"}, true},
		{"sendgrid empty key", domain.BackendSendGrid, Credentials{"apiKey": ""}, false},
		{"ses complete", domain.BackendSES, Credentials{"accessKeyId": "k", "secretAccessKey": "s"}, true},
		{"ses missing secret", domain.BackendSES, Credentials{"accessKeyId": "k"}, false},
		{"mailgun complete", domain.BackendMailgun, Credentials{"apiKey": "k", "domain": "mg.example.com"}, true},
		{"mailgun missing domain", domain.BackendMailgun, Credentials{"apiKey": "k"}, false},
		{"smtp complete", domain.BackendSMTP, Credentials{"host": "h", "user": "u", "password": "p"}, true},
		{"smtp missing host", domain.BackendSMTP, Credentials{"user": "u", "password": "p"}, false},
		{"unknown backend", domain.BackendType("pigeon"), Credentials{"apiKey": "k"}, false},
		{"nil credentials", domain.BackendSendGrid, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateCredentials(tt.backend, tt.creds))
		})
	}
}

func TestCredentialsAccessors(t *testing.T) {
	creds := Credentials{
		"apiKey": "secret",
		"port":   float64(2525), // JSON numbers decode as float64
		"secure": true,
	}

	assert.Equal(t, "secret", creds.Str("apiKey"))
	assert.Equal(t, "", creds.Str("missing"))
	assert.Equal(t, 2525, creds.Int("port", 587))
	assert.Equal(t, 587, creds.Int("missing", 587))
	assert.True(t, creds.Bool("secure"))
	assert.False(t, creds.Bool("missing"))
}

func TestRegistryAdapter(t *testing.T) {
	registry := NewRegistry(Settings{})

	for _, backend := range domain.Backends {
		adapter, err := registry.Adapter(backend, Credentials{})
		require.NoError(t, err, "backend %s", backend)
		assert.Equal(t, backend, adapter.Name())
	}
}

func TestRegistryUnsupportedBackend(t *testing.T) {
	registry := NewRegistry(Settings{})

	_, err := registry.Adapter(domain.BackendType("carrier-pigeon"), Credentials{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedBackend))
}

func TestWebhookAdapterEmptyCredentials(t *testing.T) {
	registry := NewRegistry(Settings{})

	for _, backend := range domain.Backends {
		adapter, err := registry.WebhookAdapter(backend)
		require.NoError(t, err)
		require.NotNil(t, adapter)
	}
}
