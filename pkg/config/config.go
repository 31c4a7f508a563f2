package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir    string = ".oro-dbg"
	configDirXDG string = "oro-dbg"
	configFile   string = "config.yml"
	defaultQEMU  string = "qemu-system-x86_64"
)

const defaultSocketTimeout = 5

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// QEMU is the emulator binary to launch.
	QEMU string `yaml:"qemu,omitempty"`
	// QEMUArgs are extra arguments passed to QEMU before the control socket
	// arguments, written as a single shell-style string.
	QEMUArgs string `yaml:"qemu-args,omitempty"`

	// SocketTimeout is the number of seconds to wait for QEMU to create its
	// control and gdb sockets.
	SocketTimeout *int `yaml:"socket-timeout,omitempty"`

	// StartHalted controls whether QEMU is started with its CPUs stopped
	// (the -S flag). Defaults to true.
	StartHalted *bool `yaml:"start-halted,omitempty"`

	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`
}

// QEMUBinary returns the configured QEMU binary or the default one.
func (c *Config) QEMUBinary() string {
	if c == nil || c.QEMU == "" {
		return defaultQEMU
	}
	return c.QEMU
}

// Timeout returns the socket readiness timeout.
func (c *Config) Timeout() time.Duration {
	if c == nil || c.SocketTimeout == nil || *c.SocketTimeout <= 0 {
		return defaultSocketTimeout * time.Second
	}
	return time.Duration(*c.SocketTimeout) * time.Second
}

// Halted returns true unless the configuration explicitly disables
// starting QEMU halted.
func (c *Config) Halted() bool {
	if c == nil || c.StartHalted == nil {
		return true
	}
	return *c.StartHalted
}

// BaseArgs returns the QEMU command line (binary plus extra arguments) the
// process controller should start from.
func (c *Config) BaseArgs() ([]string, error) {
	extra, err := SplitArgs(c.qemuArgs())
	if err != nil {
		return nil, fmt.Errorf("qemu-args: %w", err)
	}
	return append([]string{c.QEMUBinary()}, extra...), nil
}

func (c *Config) qemuArgs() string {
	if c == nil {
		return ""
	}
	return c.QEMUArgs
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the oro debug suite.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# QEMU binary to launch.
# qemu: qemu-system-x86_64

# Extra arguments passed to QEMU, parsed with shell quoting rules.
# The -qmp, -gdb and -S arguments are added automatically.
# qemu-args: "-m 1G -smp 2 -nographic"

# Seconds to wait for QEMU to create its control sockets.
# socket-timeout: 5

# Set to false to let the guest run as soon as QEMU starts.
# start-halted: true

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return path.Join(xdg, configDirXDG, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
