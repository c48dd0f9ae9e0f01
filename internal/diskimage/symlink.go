package diskimage

import "github.com/spf13/afero"

// ResolveSymlink returns the target of the symbolic link at path.
//
// Any failure (path is not a link, does not exist, cannot be read, or fs
// cannot read links) returns path unchanged. The target is returned as
// stored in the link, without making it absolute.
func ResolveSymlink(fs afero.Fs, path string) string {
	lr, ok := fs.(afero.LinkReader)
	if !ok {
		return path
	}

	target, err := lr.ReadlinkIfPossible(path)
	if err != nil {
		return path
	}
	return target
}
