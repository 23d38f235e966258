package zigbee

import "fmt"

// Green Power security levels (EGpSecurityLevel, §6).
type GPSecurityLevel uint8

const (
	GPSecurityNone                 GPSecurityLevel = 0
	GPSecurityReserved             GPSecurityLevel = 1
	GPSecurityFrameCounterAndMIC   GPSecurityLevel = 2
	GPSecurityFull                 GPSecurityLevel = 3
)

// Green Power security key types (EGpSecurityKeyType).
type GPKeyType uint8

const (
	GPKeyTypeNoKey             GPKeyType = 0
	GPKeyTypeNWK               GPKeyType = 1
	GPKeyTypeGPDGroup          GPKeyType = 2
	GPKeyTypeNWKDerivedGPD     GPKeyType = 4
	GPKeyTypeIndividualOOBGPD  GPKeyType = 7
)

// GPFrame is a decoded Green Power frame as delivered by
// ezspGpepIncomingMessageHandler (§6). Only source-ID addressing
// (application ID 0) is supported — other addressing modes are rejected
// with ErrUnsupportedApplicationID, matching the original implementation's
// behavior of logging and ignoring them.
type GPFrame struct {
	ApplicationID        uint8
	LinkValue            uint8
	SequenceNumber       uint8
	SourceID             uint32
	Security             GPSecurityLevel
	KeyType              GPKeyType
	AutoCommissioning    bool
	RxAfterTx            bool
	SecurityFrameCounter uint32
	CommandID            uint8
	MIC                  uint32
	ProxyTableEntry      uint8
	Payload              []byte
}

// ParseGPFrame decodes a raw ezspGpepIncomingMessageHandler payload into a
// GPFrame, matching the offsets of CGpFrame's raw_message constructor
// (original source, green-power-frame.cpp): the gpAddress structure begins
// at byte 3 with a 1-byte application ID, and for application ID 0
// (source-ID addressing) a 4-byte little-endian source ID follows at
// bytes 4-7, continuing with security fields per §6.
func ParseGPFrame(raw []byte) (*GPFrame, error) {
	if len(raw) < 28 {
		return nil, fmt.Errorf("%w: green power frame too short (%d bytes)", ErrMalformedFrame, len(raw))
	}

	applicationID := raw[3] & 0x07
	if applicationID != 0 {
		return nil, fmt.Errorf("%w: application id %d", ErrUnsupportedApplicationID, applicationID)
	}

	f := &GPFrame{
		ApplicationID:     applicationID,
		LinkValue:         raw[1],
		SequenceNumber:    raw[2],
		SourceID:          quadU8ToU32(raw[7], raw[6], raw[5], raw[4]),
		Security:          GPSecurityLevel(raw[13]),
		KeyType:           GPKeyType(raw[14]),
		AutoCommissioning: raw[15] != 0,
		RxAfterTx:         raw[16] != 0,
		SecurityFrameCounter: quadU8ToU32(raw[20], raw[19], raw[18], raw[17]),
		CommandID:            raw[21],
		MIC:                  quadU8ToU32(raw[25], raw[24], raw[23], raw[22]),
		ProxyTableEntry:       raw[26],
	}

	payloadLen := int(raw[27])
	if len(raw) < 28+payloadLen {
		return nil, fmt.Errorf("%w: payload length %d exceeds frame", ErrMalformedFrame, payloadLen)
	}
	f.Payload = append([]byte(nil), raw[28:28+payloadLen]...)

	return f, nil
}

// quadU8ToU32 assembles four bytes (given most-significant first, matching
// the original implementation's call convention) into a uint32.
func quadU8ToU32(b3, b2, b1, b0 byte) uint32 {
	return uint32(b3)<<24 | uint32(b2)<<16 | uint32(b1)<<8 | uint32(b0)
}

// toNwkFCByteField reconstructs the NWK frame-control byte implied by this
// GP frame — it was never transmitted in the EZSP payload, but is required
// as associated data for MIC verification (§4.H).
func (f *GPFrame) toNwkFCByteField() byte {
	var fc byte
	fc |= 0x00 // bits 1-0: frame type = data
	fc |= 0x0c // bits 5-2: protocol version = 3
	if f.AutoCommissioning {
		fc |= 0x40
	}
	fc |= 0x80 // NWK frame extension enabled
	return fc
}

// toExtNwkFCByteField reconstructs the extended NWK frame-control byte.
func (f *GPFrame) toExtNwkFCByteField() byte {
	var fc byte
	fc |= f.ApplicationID & 0x07
	fc |= (byte(f.Security) & 0x03) << 3
	if f.KeyType != GPKeyTypeNoKey {
		fc |= 0x20
	}
	if f.RxAfterTx {
		fc |= 0x40
	}
	return fc
}
