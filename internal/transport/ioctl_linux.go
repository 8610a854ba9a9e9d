package transport

import "golang.org/x/sys/unix"

// ioctlInputQueue reports the bytes queued for reading.
const ioctlInputQueue = unix.SIOCINQ
