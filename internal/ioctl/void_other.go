//go:build !linux

package ioctl

// IOC_VOID from <sys/ioccom.h> on BSD-derived kernels.
const iocVoid uint32 = 0x20000000
