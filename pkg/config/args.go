package config

import (
	"fmt"

	"github.com/cosiner/argv"
)

// SplitArgs splits a command line written with shell quoting rules into
// its arguments. Pipes and backticks are rejected since the result is
// handed directly to exec.
func SplitArgs(in string) ([]string, error) {
	if in == "" {
		return nil, nil
	}
	v, err := argv.Argv(in,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", in)
	}
	return v[0], nil
}
