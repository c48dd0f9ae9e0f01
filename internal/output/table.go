package output

import (
	"bytes"
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/jbweber/attachdetach/internal/diskimage"
)

// TableFormatter formats results as aligned key/value rows.
type TableFormatter struct {
	Options
}

// FormatHandle formats a device handle as key/value rows.
// Directories take one row each.
func (f *TableFormatter) FormatHandle(h *diskimage.DeviceHandle) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "NAME\t%s\n", h.Name)
	_, _ = fmt.Fprintf(w, "DEVICE\t%s\n", h.Path)

	if f.ShowRegistryID {
		_, _ = fmt.Fprintf(w, "REGISTRY ID\t%s\n", orDash(h.RegistryID))
	}

	if f.ShowDirectories {
		if len(h.Directories) == 0 {
			_, _ = fmt.Fprintln(w, "DIRECTORIES\t-")
		}
		for i, dir := range h.Directories {
			key := ""
			if i == 0 {
				key = "DIRECTORIES"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\n", key, dir)
		}
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatImageURL prints the bare image URL.
func (f *TableFormatter) FormatImageURL(device string, image *url.URL) (string, error) {
	return image.String() + "\n", nil
}

// FormatDetached prints a one-line confirmation.
func (f *TableFormatter) FormatDetached(device string) (string, error) {
	return fmt.Sprintf("%s detached\n", device), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
