package handlers

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/urmzd/homai/pkg/api/types"
	"github.com/urmzd/homai/pkg/db"
	"github.com/urmzd/homai/pkg/zigbee"
)

var (
	errInvalidSourceID = errors.New("source_id must be 4 hex-encoded bytes")
	errInvalidKey      = errors.New("key must be 16 hex-encoded bytes")
)

// GreenPowerController is the subset of *zigbee.Controller this handler
// needs beyond device.Controller. It is checked with a type assertion
// rather than widening device.Controller, since GP pairing is Zigbee-driver
// specific and device.NullController (used when no dongle is attached) has
// no meaningful implementation of it.
type GreenPowerController interface {
	PairGPD(sourceID uint32, key [16]byte, pairingParams []byte) error
	EnumerateChildren(ctx context.Context) ([]zigbee.ChildData, error)
}

// GPHandler handles Green Power pairing and sink-table endpoints.
type GPHandler struct {
	gp      GreenPowerController
	entries db.GPSinkEntryStore
}

// NewGPHandler creates a new Green Power handler. controller may or may not
// implement GreenPowerController (e.g. device.NullController does not);
// PairGPD and ListChildren respond 503 when it doesn't; ListGPDevices reads
// only the store. entries may be nil, in which case
// pairings are not persisted across restarts.
func NewGPHandler(controller any, entries db.GPSinkEntryStore) *GPHandler {
	gp, _ := controller.(GreenPowerController)
	return &GPHandler{gp: gp, entries: entries}
}

func (h *GPHandler) unavailable(c *gin.Context) bool {
	if h.gp == nil {
		c.JSON(http.StatusServiceUnavailable, types.ErrorResponse{
			Error:   "gp_unavailable",
			Message: "Green Power operations require a connected Zigbee dongle",
		})
		return true
	}
	return false
}

// PairGPD handles POST /gp/pair
// @Summary      Pair a Green Power device
// @Description  Registers a GPD's link key and issues the sink-table pairing command
// @Tags         green-power
// @Accept       json
// @Produce      json
// @Param        request  body      types.PairGPDRequest  true  "Pairing parameters"
// @Success      200      {object}  types.PairGPDResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /gp/pair [post]
func (h *GPHandler) PairGPD(c *gin.Context) {
	if h.unavailable(c) {
		return
	}

	var req types.PairGPDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	sourceID, key, err := decodePairingIdentity(req.SourceID, req.Key)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	var sinkIEEE [8]byte
	if req.SinkIEEE != "" {
		raw, err := hex.DecodeString(req.SinkIEEE)
		if err != nil || len(raw) != 8 {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid_request", Message: "sink_ieee must be 8 hex-encoded bytes"})
			return
		}
		copy(sinkIEEE[:], raw)
	}

	opts := zigbee.GPPairingOptions{
		ApplicationID:           req.ApplicationID,
		AddSink:                 true,
		RemoveGPD:               req.RemoveGPD,
		CommunicationMode:       req.CommunicationMode,
		GPDFixed:                req.GPDFixed,
		SecurityLevel:           req.SecurityLevel,
		SecurityKeyType:         req.SecurityKeyType,
		FrameCounterPresent:     true,
		SecurityKeyPresent:      true,
		ForwardingRadiusPresent: req.ForwardingRadius != 0,
	}
	params := zigbee.BuildGpPairingParams(opts, sourceID, sinkIEEE, req.SinkNodeID, req.AssignedAlias,
		req.GroupcastRadius, req.ForwardingRadius, req.SecurityFrameCounter, key)

	if err := h.gp.PairGPD(sourceID, key, params); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "pairing_failed", Message: err.Error()})
		return
	}

	if h.entries != nil {
		entry := &db.GPSinkEntry{
			SourceID:             sourceID,
			DeviceKey:            key,
			SecurityFrameCounter: req.SecurityFrameCounter,
			Options:              opts.Pack(),
			PairingParams:        params,
		}
		if err := h.entries.Upsert(c.Request.Context(), entry); err != nil {
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "persist_failed", Message: err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, types.PairGPDResponse{SourceID: req.SourceID, Paired: true})
}

// ListGPDevices handles GET /gp/devices
// @Summary      List paired Green Power devices
// @Description  Returns every GPD persisted in the sink table
// @Tags         green-power
// @Produce      json
// @Success      200  {object}  types.ListGPDevicesResponse
// @Router       /gp/devices [get]
func (h *GPHandler) ListGPDevices(c *gin.Context) {
	if h.entries == nil {
		c.JSON(http.StatusOK, types.ListGPDevicesResponse{Devices: []types.GPDeviceResponse{}, Count: 0})
		return
	}

	entries, err := h.entries.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "db_error", Message: err.Error()})
		return
	}

	devices := make([]types.GPDeviceResponse, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, types.GPDeviceResponse{
			SourceID:             hex.EncodeToString(uint32ToBytes(e.SourceID)),
			SecurityFrameCounter: e.SecurityFrameCounter,
			Options:              e.Options,
		})
	}

	c.JSON(http.StatusOK, types.ListGPDevicesResponse{Devices: devices, Count: len(devices)})
}

// ListChildren handles GET /gp/children
// @Summary      Enumerate coordinator children
// @Description  Walks the coordinator's child table via ezspGetChildData
// @Tags         green-power
// @Produce      json
// @Success      200  {object}  types.ListChildrenResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /gp/children [get]
func (h *GPHandler) ListChildren(c *gin.Context) {
	if h.unavailable(c) {
		return
	}

	children, err := h.gp.EnumerateChildren(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "enumerate_failed", Message: err.Error()})
		return
	}

	result := make([]types.ChildResponse, 0, len(children))
	for _, cd := range children {
		result = append(result, types.ChildResponse{
			EUI64:    hex.EncodeToString(cd.EUI64[:]),
			NodeID:   cd.NodeID,
			NodeType: cd.NodeType,
		})
	}

	c.JSON(http.StatusOK, types.ListChildrenResponse{Children: result, Count: len(result)})
}

func decodePairingIdentity(sourceIDHex, keyHex string) (uint32, [16]byte, error) {
	var key [16]byte

	srcRaw, err := hex.DecodeString(sourceIDHex)
	if err != nil || len(srcRaw) != 4 {
		return 0, key, errInvalidSourceID
	}
	sourceID := uint32(srcRaw[0])<<24 | uint32(srcRaw[1])<<16 | uint32(srcRaw[2])<<8 | uint32(srcRaw[3])

	keyRaw, err := hex.DecodeString(keyHex)
	if err != nil || len(keyRaw) != 16 {
		return 0, key, errInvalidKey
	}
	copy(key[:], keyRaw)

	return sourceID, key, nil
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
