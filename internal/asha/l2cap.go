package asha

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawSockaddrL2 mirrors struct sockaddr_l2 from <bluetooth/l2cap.h>.
// golang.org/x/sys/unix has no native L2CAP sockaddr type, so this is
// hand-rolled the way inoc603-btk's bluetooth package does it, with
// the CID field this daemon does not use left zeroed.
type rawSockaddrL2 struct {
	Family  uint16
	PSM     uint16
	Bdaddr  [6]uint8
	CID     uint16
	BdaddrType uint8
}

const (
	bdaddrLEPublic  = 0x01
	btModeLEFlowCtl = 0x03
	solBluetooth    = 274
	btMode          = 15
)

// openL2CAPCoC opens an LE Connection-Oriented-Channel socket to mac
// on the given PSM, per spec.md §4.3's CONNECTING step: SOCK_SEQPACKET
// + BTPROTO_L2CAP, bind to BDADDR_LE_PUBLIC, BT_MODE=LE_FLOWCTL, then
// connect. The returned fd is non-blocking so WriteAudioFrame can use
// MSG_DONTWAIT semantics by construction.
func openL2CAPCoC(mac [6]byte, psm uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return -1, fmt.Errorf("open L2CAP socket: %w", err)
	}

	local := rawSockaddrL2{Family: unix.AF_BLUETOOTH, BdaddrType: bdaddrLEPublic}
	if err := bindSockaddrL2(fd, &local); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind L2CAP socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, solBluetooth, btMode, btModeLEFlowCtl); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set BT_MODE=LE_FLOWCTL: %w", err)
	}

	remote := rawSockaddrL2{Family: unix.AF_BLUETOOTH, PSM: psm, Bdaddr: reverseMac(mac), BdaddrType: bdaddrLEPublic}
	if err := connectSockaddrL2(fd, &remote); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect L2CAP socket: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}

	return fd, nil
}

// reverseMac flips the conventional big-endian MAC into the kernel's
// little-endian bdaddr_t byte order.
func reverseMac(mac [6]byte) [6]byte {
	var out [6]byte
	for i := 0; i < 6; i++ {
		out[i] = mac[5-i]
	}
	return out
}

func bindSockaddrL2(fd int, addr *rawSockaddrL2) error {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(addr)), unsafe.Sizeof(*addr))
	if errno != 0 {
		return errno
	}
	return nil
}

func connectSockaddrL2(fd int, addr *rawSockaddrL2) error {
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(addr)), unsafe.Sizeof(*addr))
	if errno != 0 {
		return errno
	}
	return nil
}

// pollWritable reports whether fd is ready for a non-blocking write,
// with zero timeout per spec.md §4.4's send_audio polling rule.
func pollWritable(fd int) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, 0)
	if err != nil || n <= 0 {
		return false
	}
	return fds[0].Revents&unix.POLLOUT != 0
}

// writeDontWait sends an SDU with a plain write on the non-blocking fd
// openL2CAPCoC returns, which behaves like MSG_DONTWAIT per spec.md
// §4.3's write_audio_frame contract; no flag is passed.
func writeDontWait(fd int, b []byte) (int, error) {
	return unix.Write(fd, b)
}

// isWouldBlock reports whether err is the socket-credit-exhaustion
// case spec.md §4.3 calls WouldBlock, as opposed to a real
// disconnection.
func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func closeFd(fd int) {
	unix.Close(fd)
}

func macString(mac [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
