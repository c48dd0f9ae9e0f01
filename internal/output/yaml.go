package output

import (
	"fmt"
	"net/url"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/attachdetach/internal/diskimage"
)

// YAMLFormatter formats results as YAML.
type YAMLFormatter struct {
	Options
}

// FormatHandle formats a device handle as YAML.
func (f *YAMLFormatter) FormatHandle(h *diskimage.DeviceHandle) (string, error) {
	return marshalYAML(visible(h, f.Options))
}

// FormatImageURL formats an image query result as YAML.
func (f *YAMLFormatter) FormatImageURL(device string, image *url.URL) (string, error) {
	return marshalYAML(ImageRecord{Device: device, Image: image.String()})
}

// FormatDetached formats a detach result as YAML.
func (f *YAMLFormatter) FormatDetached(device string) (string, error) {
	return marshalYAML(DetachRecord{Device: device, Detached: true})
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return string(data), nil
}
