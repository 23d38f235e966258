package zigbee

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ASH protocol special bytes (§6 wire format).
const (
	ashFlagByte   = 0x7E
	ashEscapeByte = 0x7D
	ashXON        = 0x11
	ashXOFF       = 0x13
	ashFlipBit    = 0x20
	ashCancelByte = 0x1A
	ashSubstitute = 0x18

	// Control byte patterns (§1, §3).
	ashFrameData   = 0x00 // bit 7 = 0
	ashFrameACK    = 0x80 // 0b1000_0aaa
	ashFrameNAK    = 0xA0 // 0b1010_0aaa
	ashFrameRST    = 0xC0
	ashFrameRSTACK = 0xC1
	ashFrameERROR  = 0xC2

	ashDataRetransmitBit = 0x08 // control bit 3

	ashProtocolVersion = 2 // required RSTACK version (§3 invariants)

	ashMaxResetRetries = 3
	ashMaxRetries      = 3 // retransmit slot retry budget (§3)
	ashMaxFrameLen     = 131

	ashTRxAckInit = 1600 * time.Millisecond
	ashTMin       = 400 * time.Millisecond
	ashTMax       = 3200 * time.Millisecond
)

// DongleState is the connection state of the ASH link, surfaced to EZSP
// observers via onDongleState (§6).
type DongleState int

const (
	DongleDisconnected DongleState = iota
	DongleConnecting
	DongleConnected
	DongleFailed
)

func (s DongleState) String() string {
	switch s {
	case DongleDisconnected:
		return "disconnected"
	case DongleConnecting:
		return "connecting"
	case DongleConnected:
		return "connected"
	case DongleFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ashState is the internal link state machine (§4.D). WAIT_ACK is modeled as
// stateConnected plus an occupied retransmit slot rather than a distinct top
// level state, since every transition out of it mirrors stateConnected.
type ashState int

const (
	ashStateInit ashState = iota
	ashStateWaitRSTACK
	ashStateConnected
)

// retransmitSlot is the single outstanding DATA frame ASH may have in
// flight — the "sliding window of one" (§3).
type retransmitSlot struct {
	occupied bool
	frame    []byte
	payload  []byte
	frmNum   uint8
	sentAt   time.Time
	retries  int
}

// ASHLayer implements the ASH link layer: byte stuffing, whitening, CRC,
// and the RST/DATA/ACK/NAK state machine described in §4.C–§4.D.
type ASHLayer struct {
	uart UARTDriver
	log  zerolog.Logger

	retransmitTimer Timer
	resetTimer      Timer

	mu         sync.Mutex
	state      ashState
	frmNum     uint8 // next outbound DATA frame number
	ackNum     uint8 // next inbound DATA frame number we expect (what we ACK with)
	slot       retransmitSlot
	sRTT       time.Duration
	resetTries int

	onState func(DongleState)
	onData  func(payload []byte)

	closed bool
	stop   chan struct{}
}

// NewASHLayer creates an ASH layer over the given UART driver. The returned
// layer is idle until Connect is called.
func NewASHLayer(uart UARTDriver, log zerolog.Logger) *ASHLayer {
	return &ASHLayer{
		uart:            uart,
		log:             log.With().Str("layer", "ash").Logger(),
		retransmitTimer: newSystemTimer(),
		resetTimer:      newSystemTimer(),
		sRTT:            ashTRxAckInit,
		stop:            make(chan struct{}),
	}
}

// SetStateHandler registers the single consumer (the EZSP layer) notified of
// dongle state transitions. Not safe to call after Connect.
func (a *ASHLayer) SetStateHandler(fn func(DongleState)) {
	a.onState = fn
}

// SetDataHandler registers the single consumer notified of reassembled EZSP
// payloads extracted from inbound DATA frames.
func (a *ASHLayer) SetDataHandler(fn func(payload []byte)) {
	a.onData = fn
}

// Connect drives the RST → RSTACK handshake (§4.D INIT/WAIT_RSTACK) and
// starts the background read loop. It blocks until the link reaches
// CONNECTED or returns ErrLinkResetFailed after bounded retries.
func (a *ASHLayer) Connect() error {
	a.mu.Lock()
	a.state = ashStateInit
	a.resetTries = 0
	a.mu.Unlock()

	go a.readLoop()

	connected := make(chan struct{}, 1)
	failed := make(chan error, 1)

	a.mu.Lock()
	prevOnState := a.onState
	a.onState = func(s DongleState) {
		if prevOnState != nil {
			prevOnState(s)
		}
		switch s {
		case DongleConnected:
			select {
			case connected <- struct{}{}:
			default:
			}
		case DongleFailed:
			select {
			case failed <- ErrLinkResetFailed:
			default:
			}
		}
	}
	a.mu.Unlock()

	if err := a.sendReset(); err != nil {
		return fmt.Errorf("send RST: %w", err)
	}

	select {
	case <-connected:
		a.mu.Lock()
		a.onState = prevOnState
		a.mu.Unlock()
		return nil
	case err := <-failed:
		a.mu.Lock()
		a.onState = prevOnState
		a.mu.Unlock()
		return err
	case <-a.stop:
		return fmt.Errorf("ash: closed while connecting")
	}
}

// Close stops the ASH layer and releases the underlying UART.
func (a *ASHLayer) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stop)
	a.retransmitTimer.Stop()
	a.resetTimer.Stop()
	_ = a.uart.Close()
}

// IsConnected reports whether the link has completed the RST/RSTACK
// handshake.
func (a *ASHLayer) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == ashStateConnected
}

// SendData wraps payload in a DATA frame and transmits it, occupying the
// retransmit slot until an ACK arrives. Returns an error if the slot is
// already occupied (§3 invariant: no DATA frame may be emitted while the
// retransmit slot is occupied) or the link is not connected.
func (a *ASHLayer) SendData(payload []byte) error {
	a.mu.Lock()
	if a.state != ashStateConnected {
		a.mu.Unlock()
		return ErrNotConnected
	}
	if a.slot.occupied {
		a.mu.Unlock()
		return fmt.Errorf("ash: retransmit slot busy")
	}

	frmNum := a.frmNum
	a.frmNum = (a.frmNum + 1) & 0x07
	ackNum := a.ackNum

	frame := a.buildDataFrame(frmNum, ackNum, false, payload)

	a.slot = retransmitSlot{occupied: true, frame: frame, payload: payload, frmNum: frmNum, sentAt: time.Now()}
	timeout := a.sRTT
	a.mu.Unlock()

	a.log.Debug().Uint8("frmNum", frmNum).Uint8("ackNum", ackNum).Int("len", len(payload)).Msg("tx DATA")

	if _, err := a.uart.Write(frame); err != nil {
		return fmt.Errorf("write DATA frame: %w", err)
	}

	a.armRetransmitTimer(timeout)
	return nil
}

// buildDataFrame assembles control+payload+CRC, whitens the payload,
// byte-stuffs the result, and appends the flag terminator.
func (a *ASHLayer) buildDataFrame(frmNum, ackNum uint8, retransmit bool, payload []byte) []byte {
	control := (frmNum&0x07)<<4 | (ackNum & 0x07)
	if retransmit {
		control |= ashDataRetransmitBit
	}

	whitened := whiten(payload)

	raw := make([]byte, 0, 1+len(whitened)+2)
	raw = append(raw, control)
	raw = append(raw, whitened...)
	raw = crcSelfCheck(raw)

	out := ashStuff(raw)
	out = append(out, ashFlagByte)
	return out
}

func (a *ASHLayer) sendReset() error {
	if _, err := a.uart.Write([]byte{ashCancelByte}); err != nil {
		return err
	}

	raw := crcSelfCheck([]byte{ashFrameRST})
	frame := ashStuff(raw)
	frame = append(frame, ashFlagByte)

	a.mu.Lock()
	a.state = ashStateWaitRSTACK
	a.mu.Unlock()
	a.setState(DongleConnecting)

	a.log.Debug().Msg("tx RST")
	if _, err := a.uart.Write(frame); err != nil {
		return err
	}

	a.resetTimer.Start(int(ashTRxAckInit/time.Millisecond), a.onResetTimeout)
	return nil
}

func (a *ASHLayer) onResetTimeout() {
	a.mu.Lock()
	if a.state != ashStateWaitRSTACK {
		a.mu.Unlock()
		return
	}
	a.resetTries++
	tries := a.resetTries
	a.mu.Unlock()

	if tries >= ashMaxResetRetries {
		a.log.Error().Msg("reset handshake failed after bounded retries")
		a.setState(DongleFailed)
		return
	}

	a.log.Warn().Int("attempt", tries).Msg("RSTACK timeout, retrying RST")
	if err := a.sendReset(); err != nil {
		a.log.Error().Err(err).Msg("failed to resend RST")
	}
}

func (a *ASHLayer) sendACK() {
	a.mu.Lock()
	ack := a.ackNum
	a.mu.Unlock()

	control := byte(ashFrameACK) | (ack & 0x07)
	raw := crcSelfCheck([]byte{control})
	frame := ashStuff(raw)
	frame = append(frame, ashFlagByte)

	a.log.Debug().Uint8("ack", ack).Msg("tx ACK")
	if _, err := a.uart.Write(frame); err != nil {
		a.log.Error().Err(err).Msg("ACK write failed")
	}
}

func (a *ASHLayer) sendNAK() {
	a.mu.Lock()
	ack := a.ackNum
	a.mu.Unlock()

	control := byte(ashFrameNAK) | (ack & 0x07)
	raw := crcSelfCheck([]byte{control})
	frame := ashStuff(raw)
	frame = append(frame, ashFlagByte)

	a.log.Warn().Uint8("ack", ack).Msg("tx NAK")
	if _, err := a.uart.Write(frame); err != nil {
		a.log.Error().Err(err).Msg("NAK write failed")
	}
}

// armRetransmitTimer starts the adaptive retransmit timer, clamped to
// [T_MIN, T_MAX] (§4.D).
func (a *ASHLayer) armRetransmitTimer(timeout time.Duration) {
	if timeout < ashTMin {
		timeout = ashTMin
	}
	if timeout > ashTMax {
		timeout = ashTMax
	}
	a.retransmitTimer.Start(int(timeout/time.Millisecond), a.onRetransmitTimeout)
}

func (a *ASHLayer) onRetransmitTimeout() {
	a.mu.Lock()
	if !a.slot.occupied {
		a.mu.Unlock()
		return
	}
	a.slot.retries++
	if a.slot.retries > ashMaxRetries {
		a.slot = retransmitSlot{}
		a.state = ashStateInit
		a.mu.Unlock()

		a.log.Error().Msg("retransmit budget exhausted, link lost")
		a.setState(DongleFailed)
		return
	}

	frmNum := a.slot.frmNum
	ackNum := a.ackNum
	payload := a.slot.payload
	a.slot.frame = a.buildDataFrame(frmNum, ackNum, true, payload)
	a.slot.sentAt = time.Now()
	retries := a.slot.retries
	// Exponential backoff toward T_MAX on timeout-driven retransmits.
	backoff := a.sRTT << uint(retries)
	frame := a.slot.frame
	a.mu.Unlock()

	a.log.Warn().Uint8("frmNum", frmNum).Int("retry", retries).Msg("retransmit timeout, resending")
	if _, err := a.uart.Write(frame); err != nil {
		a.log.Error().Err(err).Msg("retransmit write failed")
	}
	a.armRetransmitTimer(backoff)
}

// readLoop pulls bytes off the UART, reassembles frames between flag bytes,
// and dispatches them. It is the ASH layer's only reader of the wire.
func (a *ASHLayer) readLoop() {
	buf := make([]byte, 0, ashMaxFrameLen)
	errored := false

	for {
		select {
		case <-a.stop:
			return
		default:
		}

		b, err := a.uart.ReadByte()
		if err != nil {
			select {
			case <-a.stop:
				return
			default:
			}
			a.log.Debug().Err(err).Msg("read error")
			continue
		}

		switch b {
		case ashCancelByte:
			buf = buf[:0]
			errored = false
		case ashSubstitute:
			errored = true
		case ashXON, ashXOFF:
			// ignored inbound
		case ashFlagByte:
			if !errored && len(buf) > 0 {
				a.processFrame(buf)
			}
			buf = buf[:0]
			errored = false
		default:
			if len(buf) >= ashMaxFrameLen {
				buf = buf[:0]
				errored = true
				continue
			}
			buf = append(buf, b)
		}
	}
}

func (a *ASHLayer) processFrame(stuffed []byte) {
	raw := ashUnstuff(stuffed)
	if len(raw) < 3 {
		a.log.Debug().Int("len", len(raw)).Msg("frame too short, dropping")
		return
	}

	if crc16CCITT(raw) != 0 {
		a.log.Debug().Msg("CRC mismatch, dropping")
		return
	}

	body := raw[:len(raw)-2]
	control := body[0]
	payload := body[1:]

	switch {
	case control == ashFrameRSTACK:
		a.handleRSTACK(payload)
	case control == ashFrameRST:
		// NCP never sends RST; drop.
	case control == ashFrameERROR:
		a.handleError(payload)
	case control&0x80 == ashFrameData:
		a.handleData(control, payload)
	case control&0xE0 == ashFrameACK:
		a.handleACK(control)
	case control&0xE0 == ashFrameNAK:
		a.handleNAK(control)
	default:
		a.log.Debug().Uint8("control", control).Msg("unknown control byte, dropping")
	}
}

func (a *ASHLayer) handleRSTACK(payload []byte) {
	a.mu.Lock()
	if a.state != ashStateWaitRSTACK {
		a.mu.Unlock()
		return
	}

	var version byte
	if len(payload) > 0 {
		version = payload[0]
	}

	if version != ashProtocolVersion {
		a.mu.Unlock()
		a.log.Error().Uint8("version", version).Msg("RSTACK protocol version mismatch")
		a.setState(DongleFailed)
		return
	}

	a.resetTimer.Stop()
	a.frmNum = 0
	a.ackNum = 0
	a.slot = retransmitSlot{}
	a.state = ashStateConnected
	a.mu.Unlock()

	a.log.Info().Uint8("version", version).Msg("RSTACK received, link connected")
	a.setState(DongleConnected)
}

func (a *ASHLayer) handleError(payload []byte) {
	a.log.Error().Bytes("payload", payload).Msg("ERROR frame received, link lost")
	a.mu.Lock()
	a.state = ashStateInit
	a.slot = retransmitSlot{}
	a.mu.Unlock()
	a.setState(DongleFailed)
}

func (a *ASHLayer) handleData(control byte, payload []byte) {
	frmNum := (control >> 4) & 0x07
	peerAck := control & 0x07

	a.mu.Lock()
	a.freeSlotIfAcked(peerAck)

	expected := a.ackNum
	if frmNum != expected {
		a.mu.Unlock()
		a.log.Warn().Uint8("expected", expected).Uint8("got", frmNum).Msg("out-of-sequence DATA, NAK")
		a.sendNAK()
		return
	}
	a.ackNum = (expected + 1) & 0x07
	a.mu.Unlock()

	a.sendACK()

	unwhitened := whiten(payload)
	if a.onData != nil {
		a.onData(unwhitened)
	}
}

func (a *ASHLayer) handleACK(control byte) {
	ack := control & 0x07
	a.mu.Lock()
	a.freeSlotIfAcked(ack)
	a.mu.Unlock()
}

func (a *ASHLayer) handleNAK(control byte) {
	a.mu.Lock()
	if !a.slot.occupied {
		a.mu.Unlock()
		return
	}
	frmNum := a.slot.frmNum
	ackNum := a.ackNum
	payload := a.slot.payload
	a.slot.frame = a.buildDataFrame(frmNum, ackNum, true, payload)
	a.slot.sentAt = time.Now()
	timeout := a.sRTT
	frame := a.slot.frame
	a.mu.Unlock()

	_ = control
	a.log.Warn().Uint8("frmNum", frmNum).Msg("NAK received, retransmitting")
	if _, err := a.uart.Write(frame); err != nil {
		a.log.Error().Err(err).Msg("NAK retransmit failed")
	}
	a.armRetransmitTimer(timeout)
}

// freeSlotIfAcked frees the retransmit slot and updates the smoothed RTT
// estimate (§4.D: sRTT' = 7/8·sRTT + 1/8·RTT) when ackNum matches the
// frame the slot is holding. Caller must hold a.mu.
func (a *ASHLayer) freeSlotIfAcked(ackNum uint8) {
	if !a.slot.occupied {
		return
	}
	if ackNum != (a.slot.frmNum+1)&0x07 {
		return
	}

	rtt := time.Since(a.slot.sentAt)
	a.sRTT = a.sRTT - a.sRTT/8 + rtt/8
	if a.sRTT < ashTMin {
		a.sRTT = ashTMin
	}
	if a.sRTT > ashTMax {
		a.sRTT = ashTMax
	}

	a.slot = retransmitSlot{}
	a.retransmitTimer.Stop()
}

func (a *ASHLayer) setState(s DongleState) {
	if a.onState != nil {
		a.onState(s)
	}
}

// --- pure byte transformations (§4.C) ---

// ashStuff byte-stuffs data: any of {0x7E,0x7D,0x11,0x13,0x18,0x1A} is
// replaced by 0x7D followed by the byte XORed with 0x20.
func ashStuff(data []byte) []byte {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		switch b {
		case ashFlagByte, ashEscapeByte, ashXON, ashXOFF, ashSubstitute, ashCancelByte:
			out = append(out, ashEscapeByte, b^ashFlipBit)
		default:
			out = append(out, b)
		}
	}
	return out
}

// ashUnstuff reverses ashStuff.
func ashUnstuff(data []byte) []byte {
	out := make([]byte, 0, len(data))
	escaped := false
	for _, b := range data {
		switch {
		case escaped:
			out = append(out, b^ashFlipBit)
			escaped = false
		case b == ashEscapeByte:
			escaped = true
		default:
			out = append(out, b)
		}
	}
	return out
}

// whiten applies the ASH pseudo-random data-whitening stream to payload
// (§4.C). It is its own inverse: whiten(whiten(b)) == b.
func whiten(payload []byte) []byte {
	out := make([]byte, len(payload))
	r := byte(0x42)
	for i, b := range payload {
		out[i] = b ^ r
		if r&0x01 == 0 {
			r >>= 1
		} else {
			r = (r >> 1) ^ 0xB8
		}
	}
	return out
}
