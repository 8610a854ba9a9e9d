package transport

// ioctlInputQueue is FIONREAD, _IOR('f', 127, int). x/sys does not export it
// for darwin.
const ioctlInputQueue = 0x4004667f
