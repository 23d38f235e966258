package types

import (
	"encoding/json"
	"time"
)

// --- Request DTOs ---

// StartDiscoveryRequest is the request body for POST /discovery/start
type StartDiscoveryRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

// RenameDeviceRequest is the request body for PATCH /devices/:id
type RenameDeviceRequest struct {
	FriendlyName string `json:"friendly_name" binding:"required"`
}

// PairGPDRequest is the request body for POST /gp/pair. SourceID and Key
// are hex-encoded on the wire; the remaining fields mirror
// zigbee.GPPairingOptions and the trailing fields of
// zigbee.BuildGpPairingParams.
type PairGPDRequest struct {
	SourceID                string `json:"source_id" binding:"required"`
	Key                     string `json:"key" binding:"required"`
	ApplicationID           uint8  `json:"application_id"`
	CommunicationMode       uint8  `json:"communication_mode"`
	GPDFixed                bool   `json:"gpd_fixed"`
	SecurityLevel           uint8  `json:"security_level"`
	SecurityKeyType         uint8  `json:"security_key_type"`
	GroupcastRadius         uint8  `json:"groupcast_radius"`
	ForwardingRadius        uint8  `json:"forwarding_radius"`
	SecurityFrameCounter    uint32 `json:"security_frame_counter"`
	SinkIEEE                string `json:"sink_ieee"`
	SinkNodeID              uint16 `json:"sink_node_id"`
	AssignedAlias           uint16 `json:"assigned_alias"`
	RemoveGPD               bool   `json:"remove_gpd"`
}

// --- Response DTOs ---

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned from GET /health
type HealthResponse struct {
	Status     string    `json:"status"`
	Controller string    `json:"controller"`
	Timestamp  time.Time `json:"timestamp"`
}

// ListDevicesResponse is returned from GET /devices
type ListDevicesResponse struct {
	Devices []DeviceWithState `json:"devices"`
	Count   int               `json:"count"`
}

// DeviceWithState combines device info with current state
type DeviceWithState struct {
	IEEEAddress  string          `json:"ieee_address"`
	FriendlyName string          `json:"friendly_name"`
	Model        string          `json:"model,omitempty"`
	Vendor       string          `json:"vendor,omitempty"`
	Type         string          `json:"type"`
	StateSchema  json.RawMessage `json:"state_schema,omitempty"`
	State        map[string]any  `json:"state,omitempty"`
}

// DeviceResponse is returned from GET /devices/:id
type DeviceResponse struct {
	Device DeviceWithState `json:"device"`
}

// StateResponse is returned from GET/POST /devices/:id/state
type StateResponse struct {
	Device    string         `json:"device"`
	State     map[string]any `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
}

// StartDiscoveryResponse is returned from POST /discovery/start
type StartDiscoveryResponse struct {
	Status          string    `json:"status"`
	ExpiresAt       time.Time `json:"expires_at"`
	DurationSeconds int       `json:"duration_seconds"`
}

// StopDiscoveryResponse is returned from POST /discovery/stop
type StopDiscoveryResponse struct {
	Status string `json:"status"`
}

// PairGPDResponse is returned from POST /gp/pair
type PairGPDResponse struct {
	SourceID string `json:"source_id"`
	Paired   bool   `json:"paired"`
}

// GPDeviceResponse describes one persisted Green Power pairing, returned
// from GET /gp/devices
type GPDeviceResponse struct {
	SourceID             string `json:"source_id"`
	SecurityFrameCounter uint32 `json:"security_frame_counter"`
	Options              uint32 `json:"options"`
}

// ListGPDevicesResponse is returned from GET /gp/devices
type ListGPDevicesResponse struct {
	Devices []GPDeviceResponse `json:"devices"`
	Count   int                `json:"count"`
}

// ChildResponse describes one coordinator child table entry, returned as
// part of GET /gp/children
type ChildResponse struct {
	EUI64    string `json:"eui64"`
	NodeID   uint16 `json:"node_id"`
	NodeType uint8  `json:"node_type"`
}

// ListChildrenResponse is returned from GET /gp/children
type ListChildrenResponse struct {
	Children []ChildResponse `json:"children"`
	Count    int             `json:"count"`
}
