package asha

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadOnlyPropertiesRoundTrip(t *testing.T) {
	original := []byte{
		0x01,             // version
		0x03,             // capabilities: right + binaural
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, // hi_sync_id
		0x01,       // feature_map
		0x64, 0x00, // render_delay
		0xAB, 0xCD, // reserved (non-zero, must survive the round trip)
		0x02, 0x00, // codecs: G.722@16kHz
	}

	props, err := ParseReadOnlyProperties(original)
	require.NoError(t, err)
	require.Equal(t, original, props.Marshal())
}

func TestReadOnlyPropertiesRejectsWrongLength(t *testing.T) {
	_, err := ParseReadOnlyProperties(make([]byte, 16))
	require.Error(t, err)
}

func TestReadOnlyPropertiesValid(t *testing.T) {
	valid := ReadOnlyProperties{Version: 1, FeatureMap: FeatureAudioStreaming}.WithCodecs(CodecG722At16kHz)
	require.True(t, valid.Valid())

	cases := []ReadOnlyProperties{
		{Version: 2, FeatureMap: FeatureAudioStreaming}.WithCodecs(CodecG722At16kHz),
		{Version: 1, FeatureMap: 0}.WithCodecs(CodecG722At16kHz),
		{Version: 1, FeatureMap: FeatureAudioStreaming}.WithCodecs(0),
	}
	for _, c := range cases {
		require.False(t, c.Valid())
	}
}

func TestReadOnlyPropertiesRightLeft(t *testing.T) {
	right := ReadOnlyProperties{Capabilities: CapabilityRightSide}
	require.True(t, right.Right())
	require.False(t, right.Left())

	left := ReadOnlyProperties{Capabilities: 0}
	require.True(t, left.Left())
	require.False(t, left.Right())
}
