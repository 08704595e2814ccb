// Package rawhci issues the three LE link-layer tuning commands the
// Linux kernel does not expose through any ioctl or D-Bus call: PHY
// 2M, data-length extension, and connection-interval update
// (spec.md §4.2). Grounded on the raw-socket-plus-ioctl pattern in
// kirbo-ble's linux/hci/socket package and, for the exact HCI command
// wire layout, original_source/asha/RawHci.cxx.
package rawhci

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	ashaerrors "github.com/asha-audio/asha/internal/errors"
	"github.com/asha-audio/asha/internal/logging"
)

const (
	ogfLEController = 0x08
	ocfSetPhy       = 0x0032
	ocfSetDataLen   = 0x0022
	ocfConnUpdate   = 0x0013

	metaSubEventPhyUpdate  = 0x0C
	metaSubEventConnUpdate = 0x03

	evtCmdStatus    = 0x0F
	evtCmdComplete  = 0x0E
	evtLEMetaEvent  = 0x3E
	hciCommandPkt   = 0x01
	hciEventPkt     = 0x04
	hciEventHdrSize = 2
	hciMaxDev       = 16
	hciMaxConn      = 10
)

// capWarnOnce ensures the CAP_NET_RAW absence is logged once per
// process, not once per side, per SPEC_FULL.md's supplemented-feature
// note grounded on the original's RawHci behavior.
var capWarnOnce sync.Once

// devListIoctl / connListIoctl mirror struct hci_dev_list_req /
// hci_conn_list_req from <bluetooth/hci.h>, laid out manually since
// golang.org/x/sys/unix does not define the Bluetooth ioctl payloads.
const (
	hciGetDevList = 0x800448d2 // _IOR('H', 210, int)
	hciGetConnList = 0x800448d4 // _IOR('H', 212, int)
)

// devReq mirrors struct hci_dev_req.
type devReq struct {
	DevID uint16
	_     [2]byte
	Opt   uint32
}

type devListReq struct {
	DevNum uint16
	_      [2]byte // pad to align DevReq array the way the kernel struct does
	DevReq [hciMaxDev]devReq
}

// connInfo mirrors struct hci_conn_info (the fields RawHci needs).
type connInfo struct {
	Handle  uint16
	Bdaddr  [6]byte
	Type    uint8
	Out     uint8
	State   uint16
	LinkMode uint32
}

type connListReq struct {
	DevID   uint16
	ConnNum uint16
	Conns   [hciMaxConn]connInfo
}

// sockaddrHCI mirrors struct sockaddr_hci.
type sockaddrHCI struct {
	Family uint16
	Dev    uint16
	Channel uint16
}

// Controller opens one raw HCI socket and correlates it to a single
// peer's outgoing LE connection (spec.md §4.2). Commands sent through
// it target that connection handle only.
type Controller struct {
	fd           int
	connectionID uint16
	log          *logging.Logger
	valid        bool
}

// Open scans HCIGETDEVLIST + HCIGETCONNLIST for an outgoing LE
// connection to mac and binds a raw HCI socket to the owning adapter.
// A nil error with Controller.valid == false plus ErrCapabilityDenied
// means the process lacks CAP_NET_RAW: callers proceed without tuning.
func Open(mac [6]byte, log *logging.Logger) (*Controller, error) {
	log = log.WithComponent("rawhci")

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		if err == unix.EPERM || err == unix.EACCES {
			capWarnOnce.Do(func() {
				log.Warn("raw HCI socket denied, link tuning disabled for this process (need CAP_NET_RAW)")
			})
			return &Controller{fd: -1, log: log}, nil
		}
		return nil, fmt.Errorf("open raw HCI socket: %w", err)
	}

	c := &Controller{fd: fd, log: log}
	devID, connID, found := findConnection(fd, mac)
	if !found {
		unix.Close(fd)
		return nil, ashaerrors.NewPeerError(ashaerrors.ErrPeerGone, macString(mac), fmt.Errorf("no outgoing LE connection found"))
	}
	c.connectionID = connID

	addr := sockaddrHCI{Family: unix.AF_BLUETOOTH, Dev: devID}
	if err := bindRaw(fd, unsafe.Pointer(&addr), uint32(unsafe.Sizeof(addr))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind raw HCI socket: %w", err)
	}

	c.valid = true
	return c, nil
}

// Valid reports whether Open found a connection to tune. When false,
// every Set* method is a documented no-op returning ErrCapabilityDenied.
func (c *Controller) Valid() bool { return c.valid && c.fd >= 0 }

// Close releases the raw socket.
func (c *Controller) Close() error {
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}

// SetPhy issues LE Set PHY with TX/RX PHY preference bits built from
// phy1M/phy2M (spec.md §6's --phy1m/--phy2m flags). Neither bit set
// falls back to 1M, since the command requires at least one PHY.
func (c *Controller) SetPhy(phy1M, phy2M bool) error {
	if !c.Valid() {
		return ashaerrors.ErrCapabilityDenied
	}
	var mask byte
	if phy1M {
		mask |= 0x01
	}
	if phy2M {
		mask |= 0x02
	}
	if mask == 0 {
		mask = 0x01
	}
	payload := []byte{0x00, mask, mask, 0x00, 0x00}
	resp, err := c.sendCommand(ocfSetPhy, payload, metaSubEventPhyUpdate, 4)
	if err != nil {
		return err
	}
	if resp[0] != 0 {
		return fmt.Errorf("LE Set PHY failed: status=0x%02x", resp[0])
	}
	c.log.Info("negotiated LE PHY", map[string]interface{}{"phy1m": phy1M, "phy2m": phy2M})
	return nil
}

// SetDataLength issues LE Set Data Length with the given TX octets and
// TX time (microseconds).
func (c *Controller) SetDataLength(txOctets, txTimeUs uint16) error {
	if !c.Valid() {
		return ashaerrors.ErrCapabilityDenied
	}
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], txOctets)
	binary.LittleEndian.PutUint16(payload[2:4], txTimeUs)
	resp, err := c.sendCommand(ocfSetDataLen, payload, 0, 3)
	if err != nil {
		return err
	}
	if resp[0] != 0 {
		return fmt.Errorf("LE Set Data Length failed: status=0x%02x", resp[0])
	}
	c.log.Info("negotiated data length extension", map[string]interface{}{"tx_octets": txOctets})
	return nil
}

// SetConnectionUpdate issues LE Connection Update with the given
// interval (x1.25ms), latency, supervision timeout (x10ms), and CE
// length window (x0.625ms).
func (c *Controller) SetConnectionUpdate(minInterval, maxInterval, latency, timeout, minCE, maxCE uint16) error {
	if !c.Valid() {
		return ashaerrors.ErrCapabilityDenied
	}
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint16(payload[0:2], minInterval)
	binary.LittleEndian.PutUint16(payload[2:4], maxInterval)
	binary.LittleEndian.PutUint16(payload[4:6], latency)
	binary.LittleEndian.PutUint16(payload[6:8], timeout)
	binary.LittleEndian.PutUint16(payload[8:10], minCE)
	binary.LittleEndian.PutUint16(payload[10:12], maxCE)
	resp, err := c.sendCommand(ocfConnUpdate, payload, metaSubEventConnUpdate, 7)
	if err != nil {
		return err
	}
	if resp[0] != 0 {
		return fmt.Errorf("LE Connection Update failed: status=0x%02x", resp[0])
	}
	c.log.Info("negotiated connection interval", map[string]interface{}{"interval_x1.25ms": minInterval})
	return nil
}

// sendCommand builds and sends one HCI command packet addressed to
// c.connectionID, then polls for the matching command-status /
// command-complete / LE-meta-event reply, per spec.md §4.2's table.
// respLen is the expected size of the status+handle(+params) reply.
func (c *Controller) sendCommand(ocf uint16, params []byte, metaSubEvent byte, respLen int) ([]byte, error) {
	opcode := uint16(ogfLEController)<<10 | ocf

	msg := make([]byte, 1+2+1+2+len(params))
	msg[0] = hciCommandPkt
	binary.LittleEndian.PutUint16(msg[1:3], opcode)
	msg[3] = byte(2 + len(params))
	binary.LittleEndian.PutUint16(msg[4:6], c.connectionID)
	copy(msg[6:], params)

	for {
		_, err := unix.Write(c.fd, msg)
		if err == nil {
			break
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		return nil, fmt.Errorf("send HCI command: %w", err)
	}

	deadline := 5
	for i := 0; i < deadline; i++ {
		buf := make([]byte, 260)
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("read HCI event: %w", err)
		}
		if n < 1+hciEventHdrSize {
			continue
		}
		evt := buf[1]
		plen := int(buf[2])
		body := buf[3 : 3+plen]
		switch evt {
		case evtCmdStatus:
			// status, num_hci_command_packets, opcode
			if len(body) < 4 {
				continue
			}
			gotOpcode := binary.LittleEndian.Uint16(body[2:4])
			if gotOpcode != opcode {
				continue
			}
			if body[0] != 0 {
				return nil, fmt.Errorf("command status error 0x%02x", body[0])
			}
			// status pending, keep waiting for command-complete or meta-event.
		case evtCmdComplete:
			if len(body) < 3 {
				continue
			}
			gotOpcode := binary.LittleEndian.Uint16(body[1:3])
			if gotOpcode != opcode {
				continue
			}
			rest := body[3:]
			if len(rest) < respLen {
				return nil, fmt.Errorf("short command-complete reply")
			}
			if handle := binary.LittleEndian.Uint16(rest[1:3]); handle != c.connectionID && metaSubEvent == 0 {
				continue
			}
			return rest, nil
		case evtLEMetaEvent:
			if len(body) < 1 || body[0] != metaSubEvent {
				continue
			}
			rest := body[1:]
			if len(rest) < respLen {
				return nil, fmt.Errorf("short meta-event reply")
			}
			if handle := binary.LittleEndian.Uint16(rest[1:3]); handle != c.connectionID {
				continue
			}
			return rest, nil
		}
	}
	return nil, ashaerrors.ErrPeerGone
}

func findConnection(fd int, mac [6]byte) (devID uint16, connID uint16, found bool) {
	var devList devListReq
	devList.DevNum = hciMaxDev
	if err := ioctl(fd, hciGetDevList, unsafe.Pointer(&devList)); err != nil {
		return 0, 0, false
	}

	for i := uint16(0); i < devList.DevNum && i < hciMaxDev; i++ {
		id := devList.DevReq[i].DevID
		var connList connListReq
		connList.DevID = id
		connList.ConnNum = hciMaxConn
		if err := ioctl(fd, hciGetConnList, unsafe.Pointer(&connList)); err != nil {
			continue
		}
		for j := uint16(0); j < connList.ConnNum && j < hciMaxConn; j++ {
			ci := connList.Conns[j]
			if ci.Out == 0 {
				continue
			}
			if reverseBdaddr(ci.Bdaddr) == mac {
				devID, connID, found = id, ci.Handle, true
				// keep scanning: a later (higher) connection id is
				// presumably newer, per the original implementation.
			}
		}
	}
	return devID, connID, found
}

// reverseBdaddr flips a little-endian kernel bdaddr_t into the
// conventional big-endian MAC byte order.
func reverseBdaddr(b [6]byte) [6]byte {
	var out [6]byte
	for i := 0; i < 6; i++ {
		out[i] = b[5-i]
	}
	return out
}

func macString(mac [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

func ioctl(fd int, op uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func bindRaw(fd int, addr unsafe.Pointer, addrLen uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(addr), uintptr(addrLen))
	if errno != 0 {
		return errno
	}
	return nil
}
