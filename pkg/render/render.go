// Package render writes query results as terminal tables, JSON or YAML,
// and ownership and complexity series as HTML charts.
package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is an output format.
type Format string

// Output formats.
const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ErrUnknownFormat rejects an unsupported --format value.
var ErrUnknownFormat = errors.New("format must be table, json or yaml")

// ParseFormat maps a flag value onto a Format. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Write renders v to w in format.
func Write(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON:
		return JSON(w, v)
	case FormatYAML:
		return YAML(w, v)
	case FormatTable, "":
		return Table(w, v)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}

	return nil
}

// YAML writes v as YAML. Keys and their order follow the JSON encoding so
// both formats name fields the same way.
func YAML(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(buf.Bytes(), &node); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}

	clearStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2) //nolint:mnd // two-space indent

	if err := enc.Encode(&node); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}

	return enc.Close()
}

// clearStyle drops the flow style and quoting carried over from JSON.
func clearStyle(n *yaml.Node) {
	n.Style = 0

	for _, c := range n.Content {
		clearStyle(c)
	}
}
