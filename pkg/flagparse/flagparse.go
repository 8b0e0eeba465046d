// Package flagparse converts the flags a user explicitly set on the command
// line into a map that config.MergeWithFlags lays over the loaded config.
package flagparse

import (
	"strings"

	"github.com/spf13/pflag"
)

// listFlags are comma-separated string flags and how to split them.
var listFlags = map[string]func(string) []string{
	"pre-backup-hooks":  ParseCmdList,
	"post-backup-hooks": ParseCmdList,
	"rsync-args":        ParseArgList,
}

// Collect returns the values of every flag in fs that was set by the user.
// Flags left at their default are absent so they never override the config file.
func Collect(fs *pflag.FlagSet) (map[string]any, error) {
	flagMap := make(map[string]any)
	var firstErr error

	fs.Visit(func(f *pflag.Flag) {
		if firstErr != nil {
			return
		}
		var (
			v   any
			err error
		)
		switch f.Value.Type() {
		case "bool":
			v, err = fs.GetBool(f.Name)
		case "int":
			v, err = fs.GetInt(f.Name)
		case "string":
			var s string
			s, err = fs.GetString(f.Name)
			if split, ok := listFlags[f.Name]; ok {
				v = split(s)
			} else {
				v = s
			}
		default:
			v = f.Value.String()
		}
		if err != nil {
			firstErr = err
			return
		}
		flagMap[f.Name] = v
	})
	return flagMap, firstErr
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseArgList parses a comma-separated list of program arguments.
// It removes quotes, as they are only used for grouping items with spaces.
// It treats backslashes as literal characters for Windows path compatibility.
func ParseArgList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// The shell interprets the escape, so the backslash stays.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r {
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else {
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
