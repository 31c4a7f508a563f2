package terminal

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oro-os/dbgutil/pkg/config"
)

// configOption is a configuration file entry that can be changed from the
// terminal. Changes apply to the next launch, and to the configuration
// file after config -save.
type configOption struct {
	name string
	// get returns the effective value and whether it is set in the
	// configuration rather than defaulted.
	get func(c *config.Config) (string, bool)
	set func(c *config.Config, v string) error
}

var configOptions = []configOption{
	{
		name: "qemu",
		get: func(c *config.Config) (string, bool) {
			return c.QEMUBinary(), c.QEMU != ""
		},
		set: func(c *config.Config, v string) error {
			if v == "" {
				return errors.New("qemu must name the emulator binary")
			}
			c.QEMU = v
			return nil
		},
	},
	{
		name: "qemu-args",
		get: func(c *config.Config) (string, bool) {
			return c.QEMUArgs, c.QEMUArgs != ""
		},
		set: func(c *config.Config, v string) error {
			if _, err := config.SplitArgs(v); err != nil {
				return fmt.Errorf("qemu-args: %w", err)
			}
			c.QEMUArgs = v
			return nil
		},
	},
	{
		name: "socket-timeout",
		get: func(c *config.Config) (string, bool) {
			return strconv.Itoa(int(c.Timeout() / time.Second)), c.SocketTimeout != nil
		},
		set: func(c *config.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return errors.New("socket-timeout must be a number of seconds greater than zero")
			}
			c.SocketTimeout = &n
			return nil
		},
	},
	{
		name: "start-halted",
		get: func(c *config.Config) (string, bool) {
			return strconv.FormatBool(c.Halted()), c.StartHalted != nil
		},
		set: func(c *config.Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return errors.New("start-halted must be true or false")
			}
			c.StartHalted = &b
			return nil
		},
	},
}

func configureCmd(t *Term, args string) error {
	switch args {
	case "-list":
		return configureList(t)
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return fmt.Errorf("wrong number of arguments to \"config\"")
	}

	name, value, _ := strings.Cut(args, " ")
	value = strings.TrimSpace(value)
	if name == "alias" {
		return configureAlias(t, value)
	}
	for _, opt := range configOptions {
		if opt.name == name {
			return opt.set(t.conf, value)
		}
	}
	return fmt.Errorf("%q is not a configuration parameter", name)
}

func configureList(t *Term) error {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, opt := range configOptions {
		v, set := opt.get(t.conf)
		origin := "(default)"
		if set {
			origin = ""
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", opt.name, v, origin)
	}

	cmds := make([]string, 0, len(t.conf.Aliases))
	for cmd := range t.conf.Aliases {
		cmds = append(cmds, cmd)
	}
	sort.Strings(cmds)
	for _, cmd := range cmds {
		for _, alias := range t.conf.Aliases[cmd] {
			fmt.Fprintf(w, "alias %s\t%s\t\n", alias, cmd)
		}
	}
	return w.Flush()
}

// configureAlias adds the alias in "<command> <alias>" or removes the one
// in "<alias>".
func configureAlias(t *Term, args string) error {
	argv, err := config.SplitArgs(args)
	if err != nil {
		return err
	}
	switch len(argv) {
	case 1:
		alias := argv[0]
		found := false
		for cmd, aliases := range t.conf.Aliases {
			n := len(aliases)
			aliases = slices.DeleteFunc(aliases, func(a string) bool { return a == alias })
			found = found || len(aliases) != n
			if len(aliases) == 0 {
				delete(t.conf.Aliases, cmd)
			} else {
				t.conf.Aliases[cmd] = aliases
			}
		}
		if !found {
			return fmt.Errorf("%q is not an alias", alias)
		}
	case 2:
		cmd, alias := t.cmds.lookup(argv[0]), argv[1]
		if cmd == nil {
			return fmt.Errorf("no command named %q", argv[0])
		}
		if t.cmds.lookup(alias) != nil {
			return fmt.Errorf("%q is already a command", alias)
		}
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		name := cmd.aliases[0]
		t.conf.Aliases[name] = append(t.conf.Aliases[name], alias)
	default:
		return fmt.Errorf("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}
