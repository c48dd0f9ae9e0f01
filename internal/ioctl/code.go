// Package ioctl builds device-control request codes in the host kernel's
// numbering convention: a direction flag, an 8-bit category and an
// operation number packed into one word.
package ioctl

import (
	"errors"
	"fmt"
)

// ErrInvalidCategory is returned when a category is not a single-byte ASCII value.
var ErrInvalidCategory = errors.New("control category must be a single-byte ASCII character")

const (
	categoryShift = 8
	categoryMask  = 0xff
	numberMask    = 0xff
)

// Code is a device-control request code for requests that carry no data.
type Code uint32

// New composes the code for category and operation.
//
// The operation number is not bounds checked: values wider than the
// operation field are OR-ed in as-is, the same way the C _IO macro does.
func New(category rune, operation uint32) (Code, error) {
	if category < 0 || category > 0x7f {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	return Code(iocVoid | uint32(category)<<categoryShift | operation), nil
}

// MustNew is like New but panics on an invalid category. Categories are
// compile-time constants, so a bad one is a programming error.
func MustNew(category rune, operation uint32) Code {
	c, err := New(category, operation)
	if err != nil {
		panic(err)
	}
	return c
}

// Category returns the category byte.
func (c Code) Category() byte {
	return byte((uint32(c) >> categoryShift) & categoryMask)
}

// Number returns the operation number.
func (c Code) Number() uint32 {
	return uint32(c) & numberMask
}

// IsVoid reports whether the code carries the no-data direction flag.
// On kernels where that direction is encoded as zero this is always true.
func (c Code) IsVoid() bool {
	return uint32(c)&iocVoid == iocVoid
}

// Request returns the code in the form expected by the ioctl wrappers.
func (c Code) Request() uint {
	return uint(c)
}

func (c Code) String() string {
	return fmt.Sprintf("0x%08x ('%c', %d)", uint32(c), c.Category(), c.Number())
}
