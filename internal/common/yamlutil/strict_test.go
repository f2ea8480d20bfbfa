package yamlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Listen  string `yaml:"listen"`
	Timeout string `yaml:"timeout"`
}

func TestUnmarshalStrict_ValidFields(t *testing.T) {
	data := []byte("listen: 127.0.0.1:8080\ntimeout: 30s\n")

	var cfg testConfig
	err := UnmarshalStrict(data, &cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "30s", cfg.Timeout)
}

func TestUnmarshalStrict_UnknownFieldRejected(t *testing.T) {
	data := []byte("listen: 127.0.0.1:8080\nlisten_addr: typo\n")

	var cfg testConfig
	err := UnmarshalStrict(data, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown configuration field")
}

func TestUnmarshalStrict_MalformedYAML(t *testing.T) {
	data := []byte("listen: [unclosed\n")

	var cfg testConfig
	err := UnmarshalStrict(data, &cfg)
	assert.Error(t, err)
}
