package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSecretString(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))
	assert.Equal(t, "", Secret("").String())
}

func TestSecretReveal(t *testing.T) {
	assert.Equal(t, "hunter2", Secret("hunter2").Reveal())
	assert.Equal(t, "", Secret("").Reveal())
}

func TestSecretMarshalJSON(t *testing.T) {
	payload := struct {
		Password Secret `json:"password"`
	}{Password: "hunter2"}

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[REDACTED]")
	assert.NotContains(t, string(data), "hunter2")
}

func TestSecretMarshalYAML(t *testing.T) {
	payload := struct {
		Password Secret `yaml:"password"`
	}{Password: "hunter2"}

	data, err := yaml.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[REDACTED]")
	assert.NotContains(t, string(data), "hunter2")
}
