package zigbee

import (
	"bytes"
	"testing"
)

func buildRawGPFrame(sourceID, frameCounter, mic uint32, payload []byte) []byte {
	raw := make([]byte, 28+len(payload))
	raw[1] = 0x01 // link value
	raw[2] = 0x02 // sequence number
	raw[3] = 0x00 // application id 0 (source-id addressing)
	raw[4] = byte(sourceID)
	raw[5] = byte(sourceID >> 8)
	raw[6] = byte(sourceID >> 16)
	raw[7] = byte(sourceID >> 24)
	raw[13] = byte(GPSecurityFrameCounterAndMIC)
	raw[14] = byte(GPKeyTypeNWK)
	raw[15] = 1 // auto commissioning
	raw[16] = 0 // rx after tx
	raw[17] = byte(frameCounter)
	raw[18] = byte(frameCounter >> 8)
	raw[19] = byte(frameCounter >> 16)
	raw[20] = byte(frameCounter >> 24)
	raw[21] = 0xE0 // command id
	raw[22] = byte(mic)
	raw[23] = byte(mic >> 8)
	raw[24] = byte(mic >> 16)
	raw[25] = byte(mic >> 24)
	raw[26] = 0xFF // proxy table entry
	raw[27] = byte(len(payload))
	copy(raw[28:], payload)
	return raw
}

func TestParseGPFrameOffsets(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	raw := buildRawGPFrame(0x01020304, 0x0A0B0C0D, 0xDEADBEEF, payload)

	frame, err := ParseGPFrame(raw)
	if err != nil {
		t.Fatalf("ParseGPFrame failed: %v", err)
	}

	if frame.SourceID != 0x01020304 {
		t.Errorf("SourceID = %#x, want 0x01020304", frame.SourceID)
	}
	if frame.SecurityFrameCounter != 0x0A0B0C0D {
		t.Errorf("SecurityFrameCounter = %#x, want 0x0A0B0C0D", frame.SecurityFrameCounter)
	}
	if frame.MIC != 0xDEADBEEF {
		t.Errorf("MIC = %#x, want 0xDEADBEEF", frame.MIC)
	}
	if frame.Security != GPSecurityFrameCounterAndMIC {
		t.Errorf("Security = %v, want GPSecurityFrameCounterAndMIC", frame.Security)
	}
	if !frame.AutoCommissioning {
		t.Error("expected AutoCommissioning true")
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("Payload = %x, want %x", frame.Payload, payload)
	}
}

func TestParseGPFrameRejectsUnsupportedApplicationID(t *testing.T) {
	raw := buildRawGPFrame(1, 1, 1, nil)
	raw[3] = 0x02 // application id 2 (IEEE addressing), unsupported

	_, err := ParseGPFrame(raw)
	if err == nil {
		t.Fatal("expected error for unsupported application id")
	}
}

func TestParseGPFrameRejectsTooShort(t *testing.T) {
	_, err := ParseGPFrame(make([]byte, 10))
	if err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestParseGPFrameRejectsTruncatedPayload(t *testing.T) {
	raw := buildRawGPFrame(1, 1, 1, nil)
	raw[27] = 5 // claims 5 payload bytes that are not present

	_, err := ParseGPFrame(raw)
	if err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestQuadU8ToU32(t *testing.T) {
	got := quadU8ToU32(0x01, 0x02, 0x03, 0x04)
	want := uint32(0x01020304)
	if got != want {
		t.Errorf("quadU8ToU32 = %#x, want %#x", got, want)
	}
}
