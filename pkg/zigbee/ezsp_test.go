package zigbee

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeEzspNCP plays the NCP side of both ASH (RST/RSTACK, DATA/ACK) and
// EZSP (legacy and extended frame decode/encode) so EZSPLayer can be exercised end to
// end over a loopbackUART pair, grounded on the same ASH state machine
// shape used in ash_test.go's runFakeNCP.
type fakeEzspNCP struct {
	link    *loopbackUART
	handler func(seq uint8, frameID uint16, params []byte) []byte

	txFrmNum uint8
	rxAckNum uint8
}

func (n *fakeEzspNCP) sendControl(raw []byte) {
	frame := ashStuff(crcSelfCheck(raw))
	frame = append(frame, ashFlagByte)
	_, _ = n.link.Write(frame)
}

func (n *fakeEzspNCP) sendData(payload []byte) {
	control := (n.txFrmNum&0x07)<<4 | (n.rxAckNum & 0x07)
	whitened := whiten(payload)
	raw := append([]byte{control}, whitened...)
	raw = crcSelfCheck(raw)
	frame := ashStuff(raw)
	frame = append(frame, ashFlagByte)
	_, _ = n.link.Write(frame)
	n.txFrmNum = (n.txFrmNum + 1) & 0x07
}

func (n *fakeEzspNCP) run(t *testing.T) {
	t.Helper()
	buf := make([]byte, 0, ashMaxFrameLen)

	for {
		b, err := n.link.ReadByte()
		if err != nil {
			return
		}

		switch b {
		case ashCancelByte:
			buf = buf[:0]
		case ashFlagByte:
			if len(buf) == 0 {
				continue
			}
			raw := ashUnstuff(buf)
			buf = buf[:0]
			if len(raw) < 3 || crc16CCITT(raw) != 0 {
				continue
			}
			body := raw[:len(raw)-2]
			control := body[0]
			switch {
			case control == ashFrameRST:
				n.sendControl([]byte{ashFrameRSTACK, ashProtocolVersion})
			case control&0x80 == ashFrameData:
				frmNum := (control >> 4) & 0x07
				n.sendControl([]byte{byte(ashFrameACK) | ((frmNum + 1) & 0x07)})
				n.rxAckNum = (frmNum + 1) & 0x07

				payload := whiten(body[1:])
				if len(payload) < 2 || n.handler == nil {
					continue
				}
				seq := payload[0]
				legacy := payload[1] != extendedFrameControlMarker

				var frameID uint16
				var params []byte
				if legacy {
					if len(payload) < 3 {
						continue
					}
					frameID = uint16(payload[2])
					params = payload[3:]
				} else {
					if len(payload) < 5 {
						continue
					}
					frameID = binary.LittleEndian.Uint16(payload[3:5])
					params = payload[5:]
				}

				if respParams := n.handler(seq, frameID, params); respParams != nil {
					var respFrame []byte
					if isLegacyEzspFrame(frameID) {
						respFrame = append([]byte{seq, 0x00, byte(frameID)}, respParams...)
					} else {
						respFrame = append([]byte{seq, extendedFrameControlMarker, 0x00, byte(frameID), byte(frameID >> 8)}, respParams...)
					}
					n.sendData(respFrame)
				}
			}
		default:
			buf = append(buf, b)
		}
	}
}

// newConnectedEzsp wires an ASHLayer + EZSPLayer over a loopback pair,
// starts the fake NCP, and connects — returning the layer ready for
// EZSP-level exchanges.
func newConnectedEzsp(t *testing.T, handler func(seq uint8, frameID uint16, params []byte) []byte) (*EZSPLayer, *ASHLayer) {
	t.Helper()
	hostSide, ncpSide := newLoopbackPair()
	ncp := &fakeEzspNCP{link: ncpSide, handler: handler}
	go ncp.run(t)

	ash := NewASHLayer(hostSide, zerolog.Nop())
	ezsp := NewEZSPLayer(ash, zerolog.Nop())

	if err := ash.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return ezsp, ash
}

func legacyVersionResponse(protocolVersion, stackType uint8, stackVersion uint16) []byte {
	resp := []byte{protocolVersion, stackType, 0, 0}
	binary.LittleEndian.PutUint16(resp[2:4], stackVersion)
	return resp
}

func TestEzspNegotiateVersionAccepted(t *testing.T) {
	ezsp, ash := newConnectedEzsp(t, func(seq uint8, frameID uint16, params []byte) []byte {
		if frameID != ezspVersion {
			return nil
		}
		return legacyVersionResponse(ezspProtocolVersion, 2, 0x1234)
	})
	defer ash.Close()
	defer ezsp.Close()

	protocolVersion, stackType, stackVersion, err := ezsp.NegotiateVersion()
	if err != nil {
		t.Fatalf("NegotiateVersion failed: %v", err)
	}
	if protocolVersion != ezspProtocolVersion {
		t.Errorf("protocolVersion = %d, want %d", protocolVersion, ezspProtocolVersion)
	}
	if stackType != 2 {
		t.Errorf("stackType = %d, want 2", stackType)
	}
	if stackVersion != 0x1234 {
		t.Errorf("stackVersion = %#x, want 0x1234", stackVersion)
	}
}

func TestEzspNegotiateVersionRetriesWithNCPVersion(t *testing.T) {
	var firstParam, secondParam uint8
	var calls int

	ezsp, ash := newConnectedEzsp(t, func(seq uint8, frameID uint16, params []byte) []byte {
		if frameID != ezspVersion {
			return nil
		}
		calls++
		if calls == 1 {
			firstParam = params[0]
			return []byte{6} // NCP only supports version 6
		}
		secondParam = params[0]
		return legacyVersionResponse(6, 2, 0x0001)
	})
	defer ash.Close()
	defer ezsp.Close()

	protocolVersion, _, _, err := ezsp.NegotiateVersion()
	if err != nil {
		t.Fatalf("NegotiateVersion failed: %v", err)
	}
	if protocolVersion != 6 {
		t.Errorf("protocolVersion = %d, want 6", protocolVersion)
	}
	if firstParam != ezspProtocolVersion {
		t.Errorf("first attempt requested version %d, want %d", firstParam, ezspProtocolVersion)
	}
	if secondParam != 6 {
		t.Errorf("retry requested version %d, want 6", secondParam)
	}
}

func TestEzspCommandsServicedInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []uint16

	ezsp, ash := newConnectedEzsp(t, func(seq uint8, frameID uint16, params []byte) []byte {
		mu.Lock()
		order = append(order, frameID)
		mu.Unlock()
		return []byte{emberSuccess}
	})
	defer ash.Close()
	defer ezsp.Close()

	h1 := ezsp.SendCommandCancellable(ezspPermitJoining, []byte{0x01})
	h2 := ezsp.SendCommandCancellable(ezspGetEUI64, nil)

	if _, err := h1.Result(); err != nil {
		t.Fatalf("first command failed: %v", err)
	}
	if _, err := h2.Result(); err != nil {
		t.Fatalf("second command failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != ezspPermitJoining || order[1] != ezspGetEUI64 {
		t.Errorf("commands serviced out of order: %v", order)
	}
}

func TestEzspCancelQueuedCommandResolvesImmediately(t *testing.T) {
	block := make(chan struct{})
	ezsp, ash := newConnectedEzsp(t, func(seq uint8, frameID uint16, params []byte) []byte {
		<-block
		return []byte{emberSuccess}
	})
	defer ash.Close()
	defer ezsp.Close()

	inFlight := ezsp.SendCommandCancellable(ezspPermitJoining, []byte{0x01})
	queued := ezsp.SendCommandCancellable(ezspGetEUI64, nil)

	queued.Cancel()

	_, err := queued.Result()
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled for queued cancellation, got %v", err)
	}

	close(block)
	if _, err := inFlight.Result(); err != nil {
		t.Fatalf("in-flight command failed: %v", err)
	}
}

func TestEzspSetConfigValueFailureStatus(t *testing.T) {
	ezsp, ash := newConnectedEzsp(t, func(seq uint8, frameID uint16, params []byte) []byte {
		return []byte{emberInvalidCall}
	})
	defer ash.Close()
	defer ezsp.Close()

	if err := ezsp.SetConfigValue(ezspConfigStackProfile, 2); err == nil {
		t.Fatal("expected error for non-success status")
	}
}

func TestEzspEncodeFrameLegacyAndExtended(t *testing.T) {
	ezsp := &EZSPLayer{}

	// The version command always uses the legacy 3-byte header, per §4.E.
	legacy := ezsp.encodeFrame(5, ezspVersion, []byte{0xAA})
	if len(legacy) != 4 || legacy[0] != 5 || legacy[1] != 0x00 || legacy[2] != byte(ezspVersion) {
		t.Errorf("unexpected legacy frame: %x", legacy)
	}

	// Every other command always uses the extended 5-byte header, marked
	// by the reserved 0xFF frame-control byte.
	extended := ezsp.encodeFrame(5, 0x1234, []byte{0xAA})
	if len(extended) != 6 || extended[0] != 5 || extended[1] != extendedFrameControlMarker || extended[3] != 0x34 || extended[4] != 0x12 {
		t.Errorf("unexpected extended frame: %x", extended)
	}
}

func TestEzspDrainOnLinkLossResolvesPendingCommands(t *testing.T) {
	block := make(chan struct{})
	ezsp, ash := newConnectedEzsp(t, func(seq uint8, frameID uint16, params []byte) []byte {
		<-block
		return []byte{emberSuccess}
	})
	defer ash.Close()
	defer ezsp.Close()
	defer close(block)

	inFlight := ezsp.SendCommandCancellable(ezspPermitJoining, []byte{0x01})
	queued := ezsp.SendCommandCancellable(ezspGetEUI64, nil)

	ezsp.drainOnLinkLoss()

	if _, err := inFlight.Result(); !errors.Is(err, ErrLinkLost) {
		t.Errorf("in-flight command: got %v, want ErrLinkLost", err)
	}
	if _, err := queued.Result(); !errors.Is(err, ErrLinkLost) {
		t.Errorf("queued command: got %v, want ErrLinkLost", err)
	}
}

func TestEzspIsCallbackFrameID(t *testing.T) {
	if !isCallbackFrameID(ezspStackStatusHandler) {
		t.Error("expected stack status handler to be a callback frame")
	}
	if isCallbackFrameID(ezspVersion) {
		t.Error("did not expect version command to be a callback frame")
	}
}

func TestEzspObserverReceivesUnsolicitedCallback(t *testing.T) {
	ezsp, ash := newConnectedEzsp(t, nil)
	defer ash.Close()
	defer ezsp.Close()

	received := make(chan uint16, 1)
	ezsp.AddObserver(&recordingObserver{onRx: func(frameID uint16, payload []byte) {
		select {
		case received <- frameID:
		default:
		}
	}})

	// Simulate an unsolicited callback frame arriving directly, bypassing
	// the FIFO (no in-flight command correlates to it).
	frame := []byte{0x00, 0x04, byte(ezspStackStatusHandler), 0x90}
	ezsp.onAshData(frame)

	select {
	case got := <-received:
		if got != ezspStackStatusHandler {
			t.Errorf("frameID = %#x, want %#x", got, ezspStackStatusHandler)
		}
	case <-time.After(time.Second):
		t.Fatal("observer was not notified")
	}
}

type recordingObserver struct {
	onState func(DongleState)
	onRx    func(frameID uint16, payload []byte)
}

func (r *recordingObserver) OnDongleState(state DongleState) {
	if r.onState != nil {
		r.onState(state)
	}
}

func (r *recordingObserver) OnEzspRxMessage(frameID uint16, payload []byte) {
	if r.onRx != nil {
		r.onRx(frameID, payload)
	}
}
