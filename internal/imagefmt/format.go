// Package imagefmt identifies disk image formats from their magic bytes.
package imagefmt

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/kdomanski/iso9660"
	"github.com/spf13/afero"
)

// Format is a disk image container format.
type Format string

const (
	// FormatRaw is a plain sector dump.
	FormatRaw Format = "raw"
	// FormatQCOW2 is a QEMU copy-on-write v2/v3 image.
	FormatQCOW2 Format = "qcow2"
	// FormatUDIF is an Apple universal disk image (.dmg).
	FormatUDIF Format = "udif"
	// FormatISO is an ISO9660 optical disc image.
	FormatISO Format = "iso"
)

// ErrUnrecognized is returned for files too small to hold a single sector.
var ErrUnrecognized = errors.New("unrecognized disk image")

const sectorSize = 512

var (
	// "QFI" followed by 0xfb at offset 0.
	// Reference: https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// "koly" at the start of the 512-byte trailer of a UDIF image.
	udifMagic = []byte("koly")

	// Standard identifier of the first volume descriptor at sector 16 (2048-byte sectors).
	isoMagic  = []byte("CD001")
	isoOffset = int64(16*2048 + 1)

	// Boot signature at the end of the first sector (MBR and GPT protective MBR).
	mbrSignature = []byte{0x55, 0xaa}
)

// Info describes a probed image.
type Info struct {
	Format Format `json:"format" yaml:"format"`
	// Label is the volume identifier of ISO images.
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	// Bootable reports whether a raw image carries a boot sector signature.
	Bootable bool `json:"bootable,omitempty" yaml:"bootable,omitempty"`
}

// Detect reads the image at path and reports its format.
//
// Checks run in order: qcow2 header, UDIF trailer, ISO9660 volume
// descriptor, then boot sector signature. Anything else at least one
// sector long is reported as a non-bootable raw image.
func Detect(fs afero.Fs, path string) (Info, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat image: %w", err)
	}
	size := st.Size()
	if size < sectorSize {
		return Info{}, fmt.Errorf("%w: %s is smaller than one sector (%d bytes)", ErrUnrecognized, path, size)
	}

	if ok, err := hasMagic(f, 0, qcow2Magic); err != nil {
		return Info{}, err
	} else if ok {
		return Info{Format: FormatQCOW2}, nil
	}

	if ok, err := hasMagic(f, size-sectorSize, udifMagic); err != nil {
		return Info{}, err
	} else if ok {
		return Info{Format: FormatUDIF}, nil
	}

	if size > isoOffset+int64(len(isoMagic)) {
		ok, err := hasMagic(f, isoOffset, isoMagic)
		if err != nil {
			return Info{}, err
		}
		if ok {
			return isoInfo(f)
		}
	}

	ok, err := hasMagic(f, sectorSize-int64(len(mbrSignature)), mbrSignature)
	if err != nil {
		return Info{}, err
	}
	return Info{Format: FormatRaw, Bootable: ok}, nil
}

func isoInfo(r io.ReaderAt) (Info, error) {
	img, err := iso9660.OpenImage(r)
	if err != nil {
		return Info{}, fmt.Errorf("failed to read ISO9660 descriptors: %w", err)
	}

	label, err := img.Label()
	if err != nil {
		return Info{}, fmt.Errorf("failed to read ISO9660 volume label: %w", err)
	}

	return Info{Format: FormatISO, Label: label}, nil
}

func hasMagic(r io.ReaderAt, off int64, magic []byte) (bool, error) {
	buf := make([]byte, len(magic))
	if _, err := r.ReadAt(buf, off); err != nil {
		return false, fmt.Errorf("failed to read image at offset %d: %w", off, err)
	}
	return bytes.Equal(buf, magic), nil
}
