package output

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/jbweber/attachdetach/internal/diskimage"
)

// JSONFormatter formats results as indented JSON.
type JSONFormatter struct {
	Options
}

// FormatHandle formats a device handle as JSON.
func (f *JSONFormatter) FormatHandle(h *diskimage.DeviceHandle) (string, error) {
	return marshalJSON(visible(h, f.Options))
}

// FormatImageURL formats an image query result as JSON.
func (f *JSONFormatter) FormatImageURL(device string, image *url.URL) (string, error) {
	return marshalJSON(ImageRecord{Device: device, Image: image.String()})
}

// FormatDetached formats a detach result as JSON.
func (f *JSONFormatter) FormatDetached(device string) (string, error) {
	return marshalJSON(DetachRecord{Device: device, Detached: true})
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data) + "\n", nil
}
