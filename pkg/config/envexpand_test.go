package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("TRIAGE_TEST_HOST", "prom.internal")

	out := ExpandEnv([]byte(`url: http://{{.TRIAGE_TEST_HOST}}:9090`))
	assert.Equal(t, "url: http://prom.internal:9090", string(out))
}

func TestExpandEnvMissingVariable(t *testing.T) {
	out := ExpandEnv([]byte(`key: {{.TRIAGE_DEFINITELY_UNSET_VAR}}`))
	assert.Equal(t, "key: ", string(out))
}

func TestExpandEnvPreservesDollarSigns(t *testing.T) {
	in := []byte(`expr: rate(http_requests_total{job="$job"}[5m])`)
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte(`pattern: "{{.unclosed"`)
	assert.Equal(t, in, ExpandEnv(in))
}
