package ioctl

// _IOC_NONE: Linux encodes the no-data direction as zero.
const iocVoid uint32 = 0
