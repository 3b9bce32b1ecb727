package serial

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

var (
	tcgets = uintptr(0x5401)
	// tcsets is the base TCSETS ioctl; TCSADRAIN/TCSAFLUSH are tcsets+1/tcsets+2.
	tcsets = uintptr(0x5402)

	tiocsptlck  = ioctl.IOW('T', 0x31, unsafe.Sizeof(int32(0)))
	tiocgptpeer = ioctl.IO('T', 0x41)
)
