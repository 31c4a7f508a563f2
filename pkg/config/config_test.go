package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected []string
	}{
		{name: "empty", in: "", expected: nil},
		{name: "plain", in: "-m 1G -smp 2", expected: []string{"-m", "1G", "-smp", "2"}},
		{name: "double quoted", in: `-append "console=ttyS0 quiet"`, expected: []string{"-append", "console=ttyS0 quiet"}},
		{name: "single quoted", in: `-name 'oro kernel'`, expected: []string{"-name", "oro kernel"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := SplitArgs(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestSplitArgsRejectsPipes(t *testing.T) {
	_, err := SplitArgs("-m 1G | cat")
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	var c *Config
	assert.Equal(t, defaultQEMU, c.QEMUBinary())
	assert.Equal(t, 5*time.Second, c.Timeout())
	assert.True(t, c.Halted())

	args, err := (&Config{}).BaseArgs()
	require.NoError(t, err)
	assert.Equal(t, []string{defaultQEMU}, args)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	c := LoadConfig()
	require.NotNil(t, c)
	assert.Equal(t, defaultQEMU, c.QEMUBinary())

	_, err := os.Stat(filepath.Join(dir, configDirXDG, configFile))
	assert.NoError(t, err)
}

func TestSaveAndLoadConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	require.NoError(t, createConfigPath())

	timeout := 12
	halted := false
	require.NoError(t, SaveConfig(&Config{
		QEMU:          "qemu-system-aarch64",
		QEMUArgs:      "-M virt -cpu cortex-a57",
		SocketTimeout: &timeout,
		StartHalted:   &halted,
		Aliases:       map[string][]string{"monitor": {"mon"}},
	}))

	c := LoadConfig()
	assert.Equal(t, "qemu-system-aarch64", c.QEMUBinary())
	assert.Equal(t, 12*time.Second, c.Timeout())
	assert.False(t, c.Halted())
	assert.Equal(t, []string{"mon"}, c.Aliases["monitor"])

	args, err := c.BaseArgs()
	require.NoError(t, err)
	assert.Equal(t, []string{"qemu-system-aarch64", "-M", "virt", "-cpu", "cortex-a57"}, args)
}
