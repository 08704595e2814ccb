package asha

import (
	"encoding/binary"
	"fmt"
)

// Capability bits, §3.
const (
	CapabilityRightSide = 1 << 0
	CapabilityBinaural  = 1 << 1
	CapabilityCSIS      = 1 << 2
)

// Feature-map bits, §3.
const FeatureAudioStreaming = 1 << 0

// Codec bits, §3. 24kHz G.722 is a spec.md Non-goal and intentionally
// has no constant here.
const CodecG722At16kHz = 1 << 1

// propertiesWireSize is the exact packed size of ReadOnlyProperties on
// the wire (§3, §6): one byte each for version/capabilities, eight for
// hi_sync_id, one for feature_map, two each for render_delay/reserved/codecs.
const propertiesWireSize = 17

// ReadOnlyProperties is the bit-exact wire layout of the ASHA
// ReadOnlyProperties GATT characteristic (spec.md §3, §6).
type ReadOnlyProperties struct {
	Version      uint8
	Capabilities uint8
	HiSyncID     uint64
	FeatureMap   uint8
	RenderDelay  uint16
	Reserved     uint16
	codecs       uint16 // unexported: named via Codecs() to keep the Valid() invariant in one place
}

// Codecs returns the codec bitfield parsed from the wire.
func (p ReadOnlyProperties) Codecs() uint16 { return p.codecs }

// WithCodecs returns a copy of p with the codec bitfield set. Exists
// because the struct literal can't set the unexported codecs field
// from outside the package (tests and the enumerator both need this).
func (p ReadOnlyProperties) WithCodecs(codecs uint16) ReadOnlyProperties {
	p.codecs = codecs
	return p
}

// Right reports whether this side is the right ear.
func (p ReadOnlyProperties) Right() bool { return p.Capabilities&CapabilityRightSide != 0 }

// Left reports whether this side is the left ear.
func (p ReadOnlyProperties) Left() bool { return !p.Right() }

// Binaural reports whether the peripheral is part of a pair.
func (p ReadOnlyProperties) Binaural() bool { return p.Capabilities&CapabilityBinaural != 0 }

// Valid enforces the admission invariant from spec.md §3: "a side is
// only admitted if version == 1, feature_map & 1, and codecs & 2."
func (p ReadOnlyProperties) Valid() bool {
	return p.Version == 1 &&
		p.FeatureMap&FeatureAudioStreaming != 0 &&
		p.codecs&CodecG722At16kHz != 0
}

// ParseReadOnlyProperties unpacks the 17-byte little-endian payload
// read from the ReadOnlyProperties characteristic (spec.md §6).
func ParseReadOnlyProperties(b []byte) (ReadOnlyProperties, error) {
	if len(b) != propertiesWireSize {
		return ReadOnlyProperties{}, fmt.Errorf("read-only properties: want %d bytes, got %d", propertiesWireSize, len(b))
	}
	return ReadOnlyProperties{
		Version:      b[0],
		Capabilities: b[1],
		HiSyncID:     binary.LittleEndian.Uint64(b[2:10]),
		FeatureMap:   b[10],
		RenderDelay:  binary.LittleEndian.Uint16(b[11:13]),
		Reserved:     binary.LittleEndian.Uint16(b[13:15]),
		codecs:       binary.LittleEndian.Uint16(b[15:17]),
	}, nil
}

// Marshal serializes p back to its 17-byte wire form. Round-tripping
// ParseReadOnlyProperties(p.Marshal()) reproduces the original bytes
// exactly (spec.md §8), reserved field included.
func (p ReadOnlyProperties) Marshal() []byte {
	b := make([]byte, propertiesWireSize)
	b[0] = p.Version
	b[1] = p.Capabilities
	binary.LittleEndian.PutUint64(b[2:10], p.HiSyncID)
	b[10] = p.FeatureMap
	binary.LittleEndian.PutUint16(b[11:13], p.RenderDelay)
	binary.LittleEndian.PutUint16(b[13:15], p.Reserved)
	binary.LittleEndian.PutUint16(b[15:17], p.codecs)
	return b
}
