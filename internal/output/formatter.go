// Package output provides formatters for displaying attach, image query
// and detach results in various formats (table, YAML, JSON).
package output

import (
	"fmt"
	"net/url"

	"github.com/jbweber/attachdetach/internal/diskimage"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable key/value table.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter formats command results for output.
type Formatter interface {
	// FormatHandle formats the device an image was attached to.
	FormatHandle(h *diskimage.DeviceHandle) (string, error)

	// FormatImageURL formats the image URL a device was attached from.
	FormatImageURL(device string, image *url.URL) (string, error)

	// FormatDetached formats a detach confirmation.
	FormatDetached(device string) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// ShowRegistryID includes the registry entry identifier of a handle.
	ShowRegistryID bool
	// ShowDirectories includes the mount directories of a handle.
	ShowDirectories bool
}

// ImageRecord is the structured form of an image query result.
type ImageRecord struct {
	Device string `json:"device" yaml:"device"`
	Image  string `json:"image" yaml:"image"`
}

// DetachRecord is the structured form of a detach result.
type DetachRecord struct {
	Device   string `json:"device" yaml:"device"`
	Detached bool   `json:"detached" yaml:"detached"`
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable, "":
		return &TableFormatter{Options: opts}, nil
	case FormatYAML:
		return &YAMLFormatter{Options: opts}, nil
	case FormatJSON:
		return &JSONFormatter{Options: opts}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	f := Format(format)
	switch f {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}

// visible returns a copy of h holding only the fields opts selects.
func visible(h *diskimage.DeviceHandle, opts Options) diskimage.DeviceHandle {
	v := *h
	if !opts.ShowRegistryID {
		v.RegistryID = ""
	}
	if !opts.ShowDirectories {
		v.Directories = nil
	}
	return v
}
