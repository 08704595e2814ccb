package gatt

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/asha-audio/asha/internal/logging"
)

func testCharacteristic() *Characteristic {
	log := logging.NewLogger(logging.ErrorLevel, logging.TextFormat, discard{})
	return New(nil, dbus.ObjectPath("/org/bluez/hci0/dev_AA/service1/char1"), "6333651e-c481-4a3e-9169-7c902aad37bb", log)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestKindString(t *testing.T) {
	require.Equal(t, "not connected", KindNotConnected.String())
	require.Equal(t, "timeout", KindTimeout.String())
	require.Equal(t, "invalid reply", KindInvalidReply.String())
	require.Equal(t, "io error", KindIoError.String())
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	c := testCharacteristic()
	err := c.classify(context.DeadlineExceeded)

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, KindTimeout, gerr.Kind)
}

func TestClassifyUnknownErrorIsIoError(t *testing.T) {
	c := testCharacteristic()
	err := c.classify(errors.New("boom"))

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, KindIoError, gerr.Kind)
}

func TestClassifyDbusNotConnected(t *testing.T) {
	c := testCharacteristic()
	err := c.classify(dbus.Error{Name: "org.bluez.Error.NotConnected"})

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, KindNotConnected, gerr.Kind)
}

func TestPathAndUUID(t *testing.T) {
	c := testCharacteristic()
	require.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA/service1/char1"), c.Path())
	require.Equal(t, "6333651e-c481-4a3e-9169-7c902aad37bb", c.UUID())
}

func TestTokenIsUniquePerCharacteristicAndSurfacesInErrors(t *testing.T) {
	a := testCharacteristic()
	b := testCharacteristic()
	require.NotEmpty(t, a.token)
	require.NotEqual(t, a.token, b.token)

	err := a.classify(errors.New("boom"))
	require.Contains(t, err.Error(), a.token)
}

func TestWithDeadlineWiresCancelIntoClose(t *testing.T) {
	c := testCharacteristic()

	ctx, cancel := c.withDeadline(context.Background())
	defer cancel()

	require.NotNil(t, c.cancel)
	require.NoError(t, ctx.Err())

	require.NoError(t, c.Close())
	require.Error(t, ctx.Err(), "Close must cancel the context handed out by withDeadline")
}

func TestWithDeadlineReplacesPreviousCancel(t *testing.T) {
	c := testCharacteristic()

	firstCtx, firstCancel := c.withDeadline(context.Background())
	defer firstCancel()
	secondCtx, secondCancel := c.withDeadline(context.Background())
	defer secondCancel()

	require.NoError(t, c.Close())
	require.Error(t, secondCtx.Err(), "Close cancels the most recent in-flight call")
	require.NoError(t, firstCtx.Err(), "an earlier, already-superseded call is not retroactively cancelled")
}
