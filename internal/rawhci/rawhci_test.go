package rawhci

import (
	"testing"

	"github.com/stretchr/testify/require"

	ashaerrors "github.com/asha-audio/asha/internal/errors"
)

func TestReverseBdaddr(t *testing.T) {
	kernelOrder := [6]byte{0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	require.Equal(t, [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, reverseBdaddr(kernelOrder))
}

func TestMacString(t *testing.T) {
	mac := [6]byte{0xAA, 0xBB, 0xCC, 0x00, 0x11, 0x22}
	require.Equal(t, "AA:BB:CC:00:11:22", macString(mac))
}

func TestControllerInvalidWithoutOpen(t *testing.T) {
	c := &Controller{fd: -1}
	require.False(t, c.Valid())
	require.ErrorIs(t, c.SetPhy(true, true), ashaerrors.ErrCapabilityDenied)
}
