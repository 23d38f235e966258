package zigbee

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EZSP frame IDs (§4.E, §4.F).
const (
	ezspVersion               uint16 = 0x0000
	ezspSetConfigurationValue uint16 = 0x0053
	ezspGetNetworkParameters  uint16 = 0x0028
	ezspNetworkInit           uint16 = 0x0017
	ezspFormNetwork           uint16 = 0x001E
	ezspPermitJoining         uint16 = 0x0022
	ezspSendUnicast           uint16 = 0x0034
	ezspGetEUI64              uint16 = 0x0026

	// Child enumeration / Green Power sink-table management (§4.F expansion).
	ezspGetChildData                  uint16 = 0x004A
	ezspGpProxyTableProcessGpPairing  uint16 = 0x00C9
	ezspGpSinkTableGetEntry           uint16 = 0x00DD
	ezspGpSinkTableSetEntry           uint16 = 0x00DE
	ezspGpSinkTableFindOrAllocateEntry uint16 = 0x00E0
	ezspGpSinkTableClearAll           uint16 = 0x00E2

	// Callbacks
	ezspTrustCenterJoinHandler  uint16 = 0x0024
	ezspIncomingMessageHandler uint16 = 0x0045
	ezspMessageSentHandler     uint16 = 0x003F
	ezspStackStatusHandler     uint16 = 0x0019
	ezspGpepIncomingMessageHandler uint16 = 0x00C5

	// EZSP config IDs
	ezspConfigStackProfile                uint8 = 0x0C
	ezspConfigSecurityLevel               uint8 = 0x0D
	ezspConfigMaxEndDeviceChildren        uint8 = 0x03
	ezspConfigIndirectTransmissionTimeout uint8 = 0x12
	ezspConfigMaxHops                     uint8 = 0x10
	ezspConfigTrustCenterAddressCacheSize uint8 = 0x19
	ezspConfigSourceRouteTableSize        uint8 = 0x1A
	ezspConfigAddressTableSize            uint8 = 0x05

	// EZSP protocol version
	ezspProtocolVersion = 13

	// EmberStatus values
	emberSuccess     = 0x00
	emberNotJoined   = 0x93
	emberNetworkUp   = 0x90
	emberNetworkDown = 0x91
	emberInvalidCall = 0x70

	// Ember network status (EmberNetworkStatus enum — protocol documentation constants)
	emberNoNetwork      = 0x00 //nolint:unused
	emberJoiningNetwork = 0x01 //nolint:unused
	emberJoinedNetwork  = 0x02 //nolint:unused

	// Send options
	emberApsOptionRetry                = 0x0040
	emberApsOptionEnableRouteDiscovery = 0x0100

	ezspCommandTimeout = 5 * time.Second
)

// pendingCommand tracks one EZSP command awaiting its response, whether it
// is currently occupying the ASH slot or sitting in the FIFO queue (§5).
type pendingCommand struct {
	frameID   uint16
	seq       uint8
	params    []byte
	resultCh  chan ezspResult
	cancelled bool
}

type ezspResult struct {
	payload []byte
	err     error
}

// CompletionHandle lets a caller cancel an in-flight or queued EZSP command.
// Cancelling a queued command resolves it at once with ErrCancelled; a
// cancelled in-flight command is not resolved early — it still waits for
// the ASH slot to drain before the waiter receives ErrCancelled,
// preserving the one-command-in-flight invariant.
type CompletionHandle struct {
	layer *EZSPLayer
	cmd   *pendingCommand
}

// Result blocks until the command resolves (response, cancellation, or
// dispatcher shutdown).
func (h *CompletionHandle) Result() ([]byte, error) {
	select {
	case res := <-h.cmd.resultCh:
		return res.payload, res.err
	case <-h.layer.stop:
		return nil, fmt.Errorf("ezsp: stopped")
	}
}

// Cancel marks the command cancelled. If it is still queued (not yet sent),
// it is removed and resolved with ErrCancelled immediately. If it is already
// in flight, resolution is deferred until the ASH slot drains.
func (h *CompletionHandle) Cancel() {
	h.layer.cancel(h.cmd)
}

// EzspObserver receives dongle state transitions and unsolicited EZSP
// frames (§6 Observer interfaces: EZSP observer).
type EzspObserver interface {
	OnDongleState(state DongleState)
	OnEzspRxMessage(frameID uint16, payload []byte)
}

// EZSPLayer handles EZSP command/response framing over ASH: legacy/extended
// header encoding, a FIFO pending-command queue enforcing one command in
// flight, version negotiation, and observer dispatch for callback frames.
type EZSPLayer struct {
	ash *ASHLayer
	log zerolog.Logger

	seq   uint8
	seqMu sync.Mutex

	mu       sync.Mutex
	inFlight *pendingCommand
	waiting  []*pendingCommand

	obsMu     sync.Mutex
	observers []EzspObserver

	// Green Power device-key directory and sink-table bookkeeping. Owned
	// here (rather than by Controller) because ezspGpepIncomingMessageHandler
	// is an EZSP callback this layer already decodes; GPObserver
	// registration is symmetric with EzspObserver's AddObserver/RemoveObserver.
	gpKeys  *GPKeyDirectory
	gpd     map[uint32]*KnownGPD
	gpdMu   sync.RWMutex
	gpObsMu sync.Mutex
	gpObs   []GPObserver

	stop chan struct{}
}

// NewEZSPLayer creates an EZSP layer bound to ash. ash's data/state handlers
// are claimed by this layer.
func NewEZSPLayer(ash *ASHLayer, log zerolog.Logger) *EZSPLayer {
	e := &EZSPLayer{
		ash:    ash,
		log:    log.With().Str("layer", "ezsp").Logger(),
		gpKeys: NewGPKeyDirectory(),
		gpd:    make(map[uint32]*KnownGPD),
		stop:   make(chan struct{}),
	}
	ash.SetDataHandler(e.onAshData)
	ash.SetStateHandler(e.onAshState)
	return e
}

// AddObserver registers an observer for dongle state and unsolicited
// frames. Observers are a one-way registration list — the layer never
// calls back into caller state beyond invoking these methods.
func (e *EZSPLayer) AddObserver(o EzspObserver) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

// RemoveObserver unregisters a previously added observer.
func (e *EZSPLayer) RemoveObserver(o EzspObserver) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	for i, existing := range e.observers {
		if existing == o {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return
		}
	}
}

// AddGPObserver registers an observer for decoded, authenticated Green
// Power traffic (§6 Observer interfaces: GP observer). Symmetric with
// AddObserver/RemoveObserver for EzspObserver.
func (e *EZSPLayer) AddGPObserver(o GPObserver) {
	e.gpObsMu.Lock()
	defer e.gpObsMu.Unlock()
	e.gpObs = append(e.gpObs, o)
}

// RemoveGPObserver unregisters a previously added GPObserver.
func (e *EZSPLayer) RemoveGPObserver(o GPObserver) {
	e.gpObsMu.Lock()
	defer e.gpObsMu.Unlock()
	for i, existing := range e.gpObs {
		if existing == o {
			e.gpObs = append(e.gpObs[:i], e.gpObs[i+1:]...)
			return
		}
	}
}

func (e *EZSPLayer) notifyGPFrame(frame *GPFrame) {
	e.gpObsMu.Lock()
	snapshot := append([]GPObserver(nil), e.gpObs...)
	e.gpObsMu.Unlock()
	for _, o := range snapshot {
		o.OnRxGPFrame(frame)
	}
}

func (e *EZSPLayer) notifyGPDID(sourceID uint32, known bool, status KeyStatus) {
	e.gpObsMu.Lock()
	snapshot := append([]GPObserver(nil), e.gpObs...)
	e.gpObsMu.Unlock()
	for _, o := range snapshot {
		o.OnRxGPDID(sourceID, known, status)
	}
}

// GPKeys returns the Green Power device-key directory backing GP frame
// authentication.
func (e *EZSPLayer) GPKeys() *GPKeyDirectory {
	return e.gpKeys
}

// KnownGPD returns the tracking entry for a Green Power source ID whose
// frames have been received, if any.
func (e *EZSPLayer) KnownGPD(sourceID uint32) (*KnownGPD, bool) {
	e.gpdMu.RLock()
	defer e.gpdMu.RUnlock()
	gpd, ok := e.gpd[sourceID]
	return gpd, ok
}

// handleGPIncoming parses and authenticates an incoming Green Power
// frame (the ezspGpepIncomingMessageHandler callback payload), records its
// source in the known-GPD map, and dispatches to registered GPObservers.
func (e *EZSPLayer) handleGPIncoming(data []byte) {
	frame, err := ParseGPFrame(data)
	if err != nil {
		e.log.Debug().Err(err).Msg("dropping unparseable GP frame")
		return
	}

	status, err := Authenticate(frame, e.gpKeys)
	if err != nil {
		e.log.Warn().Err(err).Uint32("sourceId", frame.SourceID).Msg("GP frame authentication failed")
	}

	e.gpdMu.Lock()
	known, seen := e.gpd[frame.SourceID]
	if !seen {
		known = &KnownGPD{SourceID: frame.SourceID}
		e.gpd[frame.SourceID] = known
	}
	known.KeyStatus = status
	e.gpdMu.Unlock()

	e.notifyGPFrame(frame)
	e.notifyGPDID(frame.SourceID, seen, status)
}

func (e *EZSPLayer) notifyState(state DongleState) {
	e.obsMu.Lock()
	snapshot := append([]EzspObserver(nil), e.observers...)
	e.obsMu.Unlock()
	for _, o := range snapshot {
		o.OnDongleState(state)
	}
}

func (e *EZSPLayer) notifyRx(frameID uint16, payload []byte) {
	e.obsMu.Lock()
	snapshot := append([]EzspObserver(nil), e.observers...)
	e.obsMu.Unlock()
	for _, o := range snapshot {
		o.OnEzspRxMessage(frameID, payload)
	}
}

func (e *EZSPLayer) onAshState(state DongleState) {
	if state == DongleFailed || state == DongleDisconnected {
		e.drainOnLinkLoss()
	}
	e.notifyState(state)
}

// drainOnLinkLoss resolves every pending command (in flight and queued)
// with ErrLinkLost — a reset link cannot honor outstanding correlation.
func (e *EZSPLayer) drainOnLinkLoss() {
	e.mu.Lock()
	inFlight := e.inFlight
	waiting := e.waiting
	e.inFlight = nil
	e.waiting = nil
	e.mu.Unlock()

	if inFlight != nil {
		inFlight.resultCh <- ezspResult{err: ErrLinkLost}
	}
	for _, cmd := range waiting {
		cmd.resultCh <- ezspResult{err: ErrLinkLost}
	}
}

// Close stops the EZSP layer and resolves any outstanding commands.
func (e *EZSPLayer) Close() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}

// send enqueues cmd, transmitting immediately if the FIFO is empty.
// Caller must hold no locks.
func (e *EZSPLayer) send(frameID uint16, params []byte) *CompletionHandle {
	e.seqMu.Lock()
	seq := e.seq
	e.seq++
	e.seqMu.Unlock()

	cmd := &pendingCommand{
		frameID:  frameID,
		seq:      seq,
		params:   params,
		resultCh: make(chan ezspResult, 1),
	}

	e.mu.Lock()
	if e.inFlight == nil {
		e.inFlight = cmd
		e.mu.Unlock()
		e.transmit(cmd)
	} else {
		e.waiting = append(e.waiting, cmd)
		e.mu.Unlock()
	}

	return &CompletionHandle{layer: e, cmd: cmd}
}

func (e *EZSPLayer) transmit(cmd *pendingCommand) {
	frame := e.encodeFrame(cmd.seq, cmd.frameID, cmd.params)

	e.log.Debug().
		Uint8("seq", cmd.seq).
		Uint16("frameID", cmd.frameID).
		Int("params_len", len(cmd.params)).
		Msg("tx EZSP command")

	if err := e.ash.SendData(frame); err != nil {
		cmd.resultCh <- ezspResult{err: fmt.Errorf("send EZSP command 0x%04X: %w", cmd.frameID, err)}
		e.advance(cmd)
		return
	}

	go func() {
		select {
		case <-time.After(ezspCommandTimeout):
			e.mu.Lock()
			stillInFlight := e.inFlight == cmd
			cancelled := cmd.cancelled
			e.mu.Unlock()
			if stillInFlight {
				err := ErrCommandTimeout
				if cancelled {
					err = ErrCancelled
				}
				cmd.resultCh <- ezspResult{err: err}
				e.advance(cmd)
			}
		case <-e.stop:
		}
	}()
}

// extendedFrameControlMarker is the reserved first frame-control byte
// (§4.E) that signals an extended, 5-byte EZSP header follows. A legacy
// header's single frame-control byte is never this value, which is what
// lets a receiver classify an incoming frame without tracking format as
// link state.
const extendedFrameControlMarker = 0xFF

// isLegacyEzspFrame reports whether frameID uses the legacy single-byte
// EZSP header (§4.E). Only the version command (0x00) does, so that its
// response can bootstrap the link before any frame-format negotiation
// has happened; every other frame, command or callback, is extended.
func isLegacyEzspFrame(frameID uint16) bool {
	return frameID == ezspVersion
}

func (e *EZSPLayer) encodeFrame(seq uint8, frameID uint16, params []byte) []byte {
	var frame []byte
	if isLegacyEzspFrame(frameID) {
		frame = make([]byte, 0, 3+len(params))
		frame = append(frame, seq)
		frame = append(frame, 0x00)
		frame = append(frame, byte(frameID))
		frame = append(frame, params...)
	} else {
		frame = make([]byte, 0, 5+len(params))
		frame = append(frame, seq)
		frame = append(frame, extendedFrameControlMarker, 0x00) // extended frame control prefix (§4.E)
		frame = append(frame, byte(frameID), byte(frameID>>8))
		frame = append(frame, params...)
	}
	return frame
}

// cancel marks cmd cancelled. A still-queued command is removed and
// resolved immediately; an in-flight command resolves only once its
// response (or timeout) actually arrives, per §5.
func (e *EZSPLayer) cancel(cmd *pendingCommand) {
	e.mu.Lock()
	if e.inFlight == cmd {
		cmd.cancelled = true
		e.mu.Unlock()
		return
	}
	for i, w := range e.waiting {
		if w == cmd {
			e.waiting = append(e.waiting[:i], e.waiting[i+1:]...)
			e.mu.Unlock()
			cmd.resultCh <- ezspResult{err: ErrCancelled}
			return
		}
	}
	e.mu.Unlock()
}

// advance pops the next queued command (if any) and transmits it, freeing
// the FIFO head for a new in-flight slot.
func (e *EZSPLayer) advance(completed *pendingCommand) {
	e.mu.Lock()
	if e.inFlight != completed {
		e.mu.Unlock()
		return
	}
	if len(e.waiting) == 0 {
		e.inFlight = nil
		e.mu.Unlock()
		return
	}
	next := e.waiting[0]
	e.waiting = e.waiting[1:]
	e.inFlight = next
	e.mu.Unlock()

	e.transmit(next)
}

// onAshData is invoked by ASH with a reassembled EZSP frame payload.
func (e *EZSPLayer) onAshData(data []byte) {
	e.processFrame(data)
}

// processFrame decodes and dispatches an EZSP frame. Header format is not
// negotiated link-wide: per §4.E, only the version command ever uses the
// legacy single-byte header, and every extended frame's second byte is
// the reserved marker 0xFF that the legacy header never produces — so
// the format is self-describing on the wire, not tracked as layer state.
func (e *EZSPLayer) processFrame(data []byte) {
	if len(data) < 2 {
		e.log.Debug().Int("len", len(data)).Msg("EZSP frame too short to classify")
		return
	}
	legacy := data[1] != extendedFrameControlMarker

	e.mu.Lock()
	cmd := e.inFlight
	e.mu.Unlock()

	var frameID uint16
	var params []byte
	var isCallback bool

	if legacy {
		if len(data) < 3 {
			e.log.Debug().Int("len", len(data)).Msg("EZSP frame too short (legacy)")
			return
		}
		frameControl := data[1]
		frameID = uint16(data[2])
		params = data[3:]
		isCallback = frameControl&0x04 != 0
	} else {
		if len(data) < 5 {
			e.log.Debug().Int("len", len(data)).Msg("EZSP frame too short (extended)")
			return
		}
		frameID = binary.LittleEndian.Uint16(data[3:5])
		params = data[5:]
		isCallback = isCallbackFrameID(frameID)
	}

	e.log.Debug().
		Uint16("frameID", frameID).
		Bool("callback", isCallback).
		Int("params_len", len(params)).
		Str("raw_hex", hex.EncodeToString(data)).
		Msg("rx EZSP frame")

	if isCallback {
		if frameID == ezspGpepIncomingMessageHandler {
			e.handleGPIncoming(params)
			return
		}
		e.notifyRx(frameID, params)
		return
	}

	if cmd == nil {
		e.log.Debug().Uint16("frameID", frameID).Msg("unsolicited response with no pending command")
		return
	}

	if cmd.cancelled {
		cmd.resultCh <- ezspResult{err: ErrCancelled}
	} else {
		cmd.resultCh <- ezspResult{payload: params}
	}
	e.advance(cmd)
}

// isCallbackFrameID returns true if the given frame ID is a known EZSP async
// callback. Used for extended format where FC bits don't reliably indicate
// callbacks.
func isCallbackFrameID(id uint16) bool {
	switch id {
	case ezspTrustCenterJoinHandler,
		ezspIncomingMessageHandler,
		ezspMessageSentHandler,
		ezspStackStatusHandler,
		ezspGpepIncomingMessageHandler:
		return true
	default:
		return false
	}
}

// SendCommand sends an EZSP command and blocks until its response, a
// timeout, or link loss resolves it.
func (e *EZSPLayer) SendCommand(frameID uint16, params []byte) ([]byte, error) {
	return e.send(frameID, params).Result()
}

// SendCommandCancellable behaves like SendCommand but returns a handle the
// caller can use to cancel the command from another goroutine.
func (e *EZSPLayer) SendCommandCancellable(frameID uint16, params []byte) *CompletionHandle {
	return e.send(frameID, params)
}

// NegotiateVersion sends the EZSP version command and validates the response.
// If the NCP does not support the requested version, it responds with a single
// byte indicating the version it supports. We then retry with that version.
func (e *EZSPLayer) NegotiateVersion() (uint8, uint8, uint16, error) {
	desiredVersion := uint8(ezspProtocolVersion)

	// Version command is always the first EZSP command after ASH connect — start at seq 0.
	e.seqMu.Lock()
	e.seq = 0
	e.seqMu.Unlock()

	resp, err := e.SendCommand(ezspVersion, []byte{desiredVersion})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("version negotiation: %w", err)
	}
	e.log.Debug().
		Int("len", len(resp)).
		Str("raw", hex.EncodeToString(resp)).
		Msg("EZSP version response (initial)")

	// A 1-byte response means version mismatch — the NCP tells us what it supports.
	if len(resp) == 1 {
		ncpVersion := resp[0]
		e.log.Info().
			Uint8("requested", desiredVersion).
			Uint8("ncpSupports", ncpVersion).
			Msg("EZSP version mismatch, retrying with NCP version")

		resp, err = e.SendCommand(ezspVersion, []byte{ncpVersion})
		if err != nil {
			return 0, 0, 0, fmt.Errorf("version negotiation retry: %w", err)
		}
		e.log.Debug().
			Int("len", len(resp)).
			Str("raw", hex.EncodeToString(resp)).
			Msg("EZSP version response (retry)")
	}

	if len(resp) < 4 {
		return 0, 0, 0, fmt.Errorf("version response too short: %d bytes (raw: 0x%s)", len(resp), hex.EncodeToString(resp))
	}

	protocolVersion := resp[0]
	stackType := resp[1]
	stackVersion := binary.LittleEndian.Uint16(resp[2:4])

	e.log.Info().
		Uint8("protocol", protocolVersion).
		Uint8("stackType", stackType).
		Uint16("stackVersion", stackVersion).
		Msg("EZSP version negotiated")

	return protocolVersion, stackType, stackVersion, nil
}

// SetConfigValue sets an EZSP stack configuration value.
func (e *EZSPLayer) SetConfigValue(configID uint8, value uint16) error {
	params := []byte{configID, byte(value), byte(value >> 8)}
	resp, err := e.SendCommand(ezspSetConfigurationValue, params)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != emberSuccess {
		status := byte(0xFF)
		if len(resp) >= 1 {
			status = resp[0]
		}
		return fmt.Errorf("setConfigurationValue 0x%02X failed: status 0x%02X", configID, status)
	}
	return nil
}

// ConfigureStack sets up the NCP stack configuration for a coordinator.
func (e *EZSPLayer) ConfigureStack() error {
	configs := []struct {
		id    uint8
		value uint16
	}{
		{ezspConfigStackProfile, 2},          // ZigBee Pro
		{ezspConfigSecurityLevel, 5},         // Standard security
		{ezspConfigMaxEndDeviceChildren, 32}, // Max child devices
		{ezspConfigAddressTableSize, 16},     // Address table
		{ezspConfigSourceRouteTableSize, 16}, // Source route table
		{ezspConfigMaxHops, 30},              // Max hops
	}

	for _, cfg := range configs {
		if err := e.SetConfigValue(cfg.id, cfg.value); err != nil {
			e.log.Warn().Err(err).Uint8("configID", cfg.id).Msg("config value set failed (non-fatal)")
		}
	}

	return nil
}

// GetNetworkParameters retrieves the current network state and parameters.
func (e *EZSPLayer) GetNetworkParameters() (uint8, *NetworkParams, error) {
	resp, err := e.SendCommand(ezspGetNetworkParameters, nil)
	if err != nil {
		return 0, nil, err
	}

	if len(resp) < 2 {
		return 0, nil, fmt.Errorf("network params response too short")
	}

	status := resp[0]
	nodeType := resp[1]

	var params NetworkParams
	if len(resp) >= 18 {
		copy(params.ExtendedPanID[:], resp[2:10])
		params.PanID = binary.LittleEndian.Uint16(resp[10:12])
		params.RadioTxPower = int8(resp[12])
		params.RadioChannel = resp[13]
	}

	return status, &NetworkParams{
		NodeType:      nodeType,
		ExtendedPanID: params.ExtendedPanID,
		PanID:         params.PanID,
		RadioTxPower:  params.RadioTxPower,
		RadioChannel:  params.RadioChannel,
	}, nil
}

// NetworkParams holds Zigbee network parameters.
type NetworkParams struct {
	NodeType      uint8
	ExtendedPanID [8]byte
	PanID         uint16
	RadioTxPower  int8
	RadioChannel  uint8
}

// NetworkInit tries to resume an existing network.
func (e *EZSPLayer) NetworkInit() (uint8, error) {
	params := []byte{0x00, 0x00}
	resp, err := e.SendCommand(ezspNetworkInit, params)
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, fmt.Errorf("networkInit response empty")
	}
	return resp[0], nil
}

// FormNetwork creates a new Zigbee network.
func (e *EZSPLayer) FormNetwork(channel uint8, panID uint16, extPanID [8]byte) error {
	params := make([]byte, 0, 32)
	params = append(params, extPanID[:]...)
	params = append(params, byte(panID), byte(panID>>8))
	params = append(params, 3)
	params = append(params, channel)
	params = append(params, 0x00)
	params = append(params, 0xFF, 0xFF)
	params = append(params, 0x00)
	params = append(params, 0x00, 0x00, 0x00, 0x00)

	resp, err := e.SendCommand(ezspFormNetwork, params)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != emberSuccess {
		status := byte(0xFF)
		if len(resp) >= 1 {
			status = resp[0]
		}
		return fmt.Errorf("formNetwork failed: status 0x%02X", status)
	}

	e.log.Info().
		Uint8("channel", channel).
		Uint16("panID", panID).
		Msg("network formed")

	return nil
}

// PermitJoining enables or disables device joining.
func (e *EZSPLayer) PermitJoining(duration uint8) error {
	params := []byte{duration}
	resp, err := e.SendCommand(ezspPermitJoining, params)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != emberSuccess {
		status := byte(0xFF)
		if len(resp) >= 1 {
			status = resp[0]
		}
		return fmt.Errorf("permitJoining failed: status 0x%02X", status)
	}
	return nil
}

// GetEUI64 retrieves the coordinator's IEEE address.
func (e *EZSPLayer) GetEUI64() ([8]byte, error) {
	resp, err := e.SendCommand(ezspGetEUI64, nil)
	if err != nil {
		return [8]byte{}, err
	}
	if len(resp) < 8 {
		return [8]byte{}, fmt.Errorf("EUI64 response too short: %d bytes", len(resp))
	}
	var eui [8]byte
	copy(eui[:], resp[:8])
	return eui, nil
}

// SendUnicast sends a unicast message to a device.
func (e *EZSPLayer) SendUnicast(nodeID uint16, profileID, clusterID uint16, srcEndpoint, dstEndpoint uint8, payload []byte) error {
	apsFrame := make([]byte, 0, 12)
	apsFrame = append(apsFrame, byte(profileID), byte(profileID>>8))
	apsFrame = append(apsFrame, byte(clusterID), byte(clusterID>>8))
	apsFrame = append(apsFrame, srcEndpoint)
	apsFrame = append(apsFrame, dstEndpoint)
	options := uint16(emberApsOptionRetry | emberApsOptionEnableRouteDiscovery)
	apsFrame = append(apsFrame, byte(options), byte(options>>8))
	apsFrame = append(apsFrame, 0x00, 0x00)
	apsFrame = append(apsFrame, 0x00)

	params := make([]byte, 0, 4+len(apsFrame)+2+len(payload))
	params = append(params, 0x00)
	params = append(params, byte(nodeID), byte(nodeID>>8))
	params = append(params, apsFrame...)
	params = append(params, 0x01)
	params = append(params, byte(len(payload)))
	params = append(params, payload...)

	resp, err := e.SendCommand(ezspSendUnicast, params)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != emberSuccess {
		status := byte(0xFF)
		if len(resp) >= 1 {
			status = resp[0]
		}
		return fmt.Errorf("sendUnicast failed: status 0x%02X", status)
	}
	return nil
}

// ChildData describes one entry returned by ezspGetChildData (§4.F).
type ChildData struct {
	EUI64    [8]byte
	NodeID   uint16
	NodeType uint8
}

// GetChildData enumerates a coordinator child by table index. Returns
// emberNotJoined-equivalent status once index exceeds the populated range.
func (e *EZSPLayer) GetChildData(index uint8) (uint8, *ChildData, error) {
	resp, err := e.SendCommand(ezspGetChildData, []byte{index})
	if err != nil {
		return 0, nil, err
	}
	if len(resp) < 1 {
		return 0, nil, fmt.Errorf("getChildData response empty")
	}
	status := resp[0]
	if status != emberSuccess || len(resp) < 12 {
		return status, nil, nil
	}

	var cd ChildData
	copy(cd.EUI64[:], resp[1:9])
	cd.NodeID = binary.LittleEndian.Uint16(resp[9:11])
	cd.NodeType = resp[11]
	return status, &cd, nil
}

// GP sink table communication modes (§A.3.3.5.2 of the Green Power spec).
const (
	GPCommModeFullUnicast    uint8 = 0
	GPCommModeLightUnicast   uint8 = 1
	GPCommModeFullGroupcast  uint8 = 2
	GPCommModeLightGroupcast uint8 = 3
)

// GPPairingOptions packs the Options field of the GP Pairing command
// (§A.3.3.5.2, docs-14-0563-16-batt-green-power-spec_ProxyBasic.pdf),
// grounded on CGpPairingCommandOption::get() in
// original_source/src/ezsp/zbmessage/gp-pairing-command-option-struct.cpp.
type GPPairingOptions struct {
	ApplicationID           uint8 // bits 0-2
	AddSink                 bool  // bit 3
	RemoveGPD               bool  // bit 4
	CommunicationMode       uint8 // bits 5-6
	GPDFixed                bool  // bit 7
	GPDMACSeqNumCapability  bool  // bit 8
	SecurityLevel           uint8 // bits 9-10
	SecurityKeyType         uint8 // bits 11-13
	FrameCounterPresent     bool  // bit 14
	SecurityKeyPresent      bool  // bit 15
	AssignedAliasPresent    bool  // bit 16
	ForwardingRadiusPresent bool  // bit 17
}

// Pack returns the 32-bit wire encoding of the Options field.
func (o GPPairingOptions) Pack() uint32 {
	var v uint32
	v |= uint32(o.ApplicationID&0x7) << 0
	if o.AddSink {
		v |= 1 << 3
	}
	if o.RemoveGPD {
		v |= 1 << 4
	}
	v |= uint32(o.CommunicationMode&0x3) << 5
	if o.GPDFixed {
		v |= 1 << 7
	}
	if o.GPDMACSeqNumCapability {
		v |= 1 << 8
	}
	v |= uint32(o.SecurityLevel&0x3) << 9
	v |= uint32(o.SecurityKeyType&0x7) << 11
	if o.FrameCounterPresent {
		v |= 1 << 14
	}
	if o.SecurityKeyPresent {
		v |= 1 << 15
	}
	if o.AssignedAliasPresent {
		v |= 1 << 16
	}
	if o.ForwardingRadiusPresent {
		v |= 1 << 17
	}
	return v
}

// BuildGpPairingParams encodes the full ezspGpProxyTableProcessGpPairing
// (0xC9) parameter payload: the packed Options field, the GPD source ID,
// the sink IEEE/node ID and groupcast radius, followed by the
// conditionally-present forwarding-radius/frame-counter/key/alias fields.
//
// This resolves spec.md's flagged Open Question on RemoveGPD semantics:
// the source's CProcessGpPairingParam sets both add_sink and remove_gpd
// true at some call sites, which the Green Power spec does not sanction.
// Per §A.3.3.5.2, RemoveGPD=1 means the entry is being torn down, so the
// trailing fields have no meaning; this encoder omits them entirely
// whenever opts.RemoveGPD is set, regardless of the presence bits the
// caller passed in.
func BuildGpPairingParams(opts GPPairingOptions, sourceID uint32, sinkIEEE [8]byte, sinkNodeID, assignedAlias uint16, groupcastRadius, forwardingRadius uint8, securityFrameCounter uint32, key [16]byte) []byte {
	options := opts.Pack()
	params := make([]byte, 0, 4+4+8+2+1+1+4+16+2)
	params = append(params, byte(options), byte(options>>8), byte(options>>16), byte(options>>24))
	params = append(params, byte(sourceID), byte(sourceID>>8), byte(sourceID>>16), byte(sourceID>>24))
	params = append(params, sinkIEEE[:]...)
	params = append(params, byte(sinkNodeID), byte(sinkNodeID>>8))
	params = append(params, groupcastRadius)

	if opts.RemoveGPD {
		return params
	}
	if opts.ForwardingRadiusPresent {
		params = append(params, forwardingRadius)
	}
	if opts.FrameCounterPresent {
		params = append(params, byte(securityFrameCounter), byte(securityFrameCounter>>8), byte(securityFrameCounter>>16), byte(securityFrameCounter>>24))
	}
	if opts.SecurityKeyPresent {
		params = append(params, key[:]...)
	}
	if opts.AssignedAliasPresent {
		params = append(params, byte(assignedAlias), byte(assignedAlias>>8))
	}
	return params
}

// GpProxyTableProcessGpPairing issues ezspGpProxyTableProcessGpPairing
// (0xC9) with a pre-encoded EmberGpSinkTableEntry-shaped pairing
// configuration (build one with BuildGpPairingParams); encoding mirrors
// the original source's CEzspGPProcessGPPairingParam layout (grounded in
// ember-process-gp-pairing-parameter.cpp in the original source).
func (e *EZSPLayer) GpProxyTableProcessGpPairing(params []byte) (bool, error) {
	resp, err := e.SendCommand(ezspGpProxyTableProcessGpPairing, params)
	if err != nil {
		return false, err
	}
	if len(resp) < 1 {
		return false, fmt.Errorf("gpProxyTableProcessGpPairing response empty")
	}
	return resp[0] != 0, nil
}

// GpSinkTableGetEntry retrieves the raw sink table entry at index.
func (e *EZSPLayer) GpSinkTableGetEntry(index uint8) (uint8, []byte, error) {
	resp, err := e.SendCommand(ezspGpSinkTableGetEntry, []byte{index})
	if err != nil {
		return 0, nil, err
	}
	if len(resp) < 1 {
		return 0, nil, fmt.Errorf("gpSinkTableGetEntry response empty")
	}
	return resp[0], resp[1:], nil
}
