package logcompact

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

// Format is the compression applied to historical run logs.
type Format string

const (
	Gzip Format = "gzip"
	Zstd Format = "zstd"
)

var formatToExt = map[Format]string{
	Gzip: ".gz",
	Zstd: ".zst",
}

var formatToString = map[Format]string{
	Gzip: "gzip",
	Zstd: "zstd",
}

var stringToFormat map[string]Format

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_log_format(%s)", string(f))
}

// Ext returns the file extension appended to a compressed log.
func (f Format) Ext() string {
	return formatToExt[f]
}

// ParseFormat parses a format name. An empty string selects gzip.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return Gzip, nil
	}
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid log compression format: %q. Must be 'gzip' or 'zstd'", s)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Format.
func (f *Format) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("log compression format should be a string: %w", err)
	}
	format, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = format
	return nil
}

// Level represents the desired trade-off between speed and size of the compression.
type Level string

const (
	Default Level = "default"
	Fastest Level = "fastest"
	Better  Level = "better"
	Best    Level = "best"
)

var levelToString = map[Level]string{
	Default: "default",
	Fastest: "fastest",
	Better:  "better",
	Best:    "best",
}

var stringToLevel map[string]Level

func init() {
	stringToLevel = util.InvertMap(levelToString)
}

func (l Level) String() string {
	if str, ok := levelToString[l]; ok {
		return str
	}
	return string(Default)
}

// ParseLevel parses a string into a compression Level.
// It defaults to default level if the string is empty.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return Default, nil
	}
	if l, ok := stringToLevel[s]; ok {
		return l, nil
	}
	return "", fmt.Errorf("invalid compression level: %q. Must be 'default', 'fastest', 'better', or 'best'", s)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Level.
func (l *Level) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("compression level should be a string: %w", err)
	}
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}
