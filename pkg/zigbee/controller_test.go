package zigbee

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/urmzd/homai/pkg/device"
)

// newTestController wires a Controller directly over a fake-NCP-backed
// ASH/EZSP pair, bypassing NewController's real-serial-port requirement.
func newTestController(t *testing.T, handler func(seq uint8, frameID uint16, params []byte) []byte) *Controller {
	t.Helper()
	ezsp, ash := newConnectedEzsp(t, handler)

	c := &Controller{
		log:      zerolog.Nop(),
		ash:      ash,
		ezsp:     ezsp,
		devices:  make(map[string]*KnownDevice),
		stopChan: make(chan struct{}),
	}
	ezsp.AddObserver(c)
	ezsp.AddGPObserver(c)
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	return c
}

func TestControllerHandleGPIncomingPublishesOnFirstSighting(t *testing.T) {
	c := newTestController(t, nil)
	defer c.ash.Close()
	defer c.ezsp.Close()

	key := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	sourceID := uint32(0x11223344)
	c.ezsp.GPKeys().SetKey(sourceID, key)

	frame := &GPFrame{
		ApplicationID:        0,
		SourceID:             sourceID,
		Security:             GPSecurityFrameCounterAndMIC,
		KeyType:              GPKeyTypeNWK,
		AutoCommissioning:    true,
		SecurityFrameCounter: 1,
		Payload:              []byte{0x01, 0x02},
	}
	mic := referenceMIC(t, frame, key)
	raw := buildRawGPFrame(sourceID, 1, mic, frame.Payload)

	events := c.Subscribe()
	defer c.Unsubscribe(events)

	c.ezsp.handleGPIncoming(raw)

	select {
	case evt := <-events:
		if evt.Type != "gpd_seen" {
			t.Errorf("event type = %q, want gpd_seen", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected gpd_seen event")
	}

	known, ok := c.ezsp.KnownGPD(sourceID)
	if !ok || known.KeyStatus != KeyValid {
		t.Errorf("gpd entry = %+v, ok=%v, want KeyValid", known, ok)
	}

	// A second frame from the same source should not re-publish.
	raw2 := buildRawGPFrame(sourceID, 1, mic, frame.Payload)
	c.ezsp.handleGPIncoming(raw2)
	select {
	case evt := <-events:
		t.Fatalf("unexpected second event: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestControllerHandleGPIncomingTracksInvalidMIC(t *testing.T) {
	c := newTestController(t, nil)
	defer c.ash.Close()
	defer c.ezsp.Close()

	sourceID := uint32(0xAABBCCDD)
	c.ezsp.GPKeys().SetKey(sourceID, [16]byte{})

	raw := buildRawGPFrame(sourceID, 1, 0xDEADBEEF, nil) // wrong MIC

	c.ezsp.handleGPIncoming(raw)

	known, ok := c.ezsp.KnownGPD(sourceID)
	if !ok || known.KeyStatus != KeyInvalid {
		t.Errorf("gpd entry = %+v, ok=%v, want KeyInvalid", known, ok)
	}
}

func TestControllerGetDeviceNotFound(t *testing.T) {
	c := newTestController(t, nil)
	defer c.ash.Close()
	defer c.ezsp.Close()

	_, err := c.GetDevice(context.Background(), "missing")
	if err != device.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestControllerRemoveDevice(t *testing.T) {
	c := newTestController(t, nil)
	defer c.ash.Close()
	defer c.ezsp.Close()

	c.devices["aa:bb"] = &KnownDevice{State: make(device.DeviceState)}

	if err := c.RemoveDevice(context.Background(), "aa:bb", false); err != nil {
		t.Fatalf("RemoveDevice failed: %v", err)
	}
	if err := c.RemoveDevice(context.Background(), "aa:bb", false); err != device.ErrNotFound {
		t.Errorf("second RemoveDevice err = %v, want ErrNotFound", err)
	}
}

func TestControllerSetDeviceStateOnOff(t *testing.T) {
	c := newTestController(t, func(seq uint8, frameID uint16, params []byte) []byte {
		if frameID == ezspSendUnicast {
			return []byte{emberSuccess}
		}
		return nil
	})
	defer c.ash.Close()
	defer c.ezsp.Close()

	c.devices["dev-1"] = &KnownDevice{NodeID: 0x1234, Endpoint: 1, State: make(device.DeviceState)}

	state, err := c.SetDeviceState(context.Background(), "dev-1", map[string]any{"state": "on"})
	if err != nil {
		t.Fatalf("SetDeviceState failed: %v", err)
	}
	if state["state"] != "ON" {
		t.Errorf("state[\"state\"] = %v, want ON", state["state"])
	}
}

func TestControllerPermitJoin(t *testing.T) {
	var gotDuration uint8
	c := newTestController(t, func(seq uint8, frameID uint16, params []byte) []byte {
		if frameID == ezspPermitJoining {
			gotDuration = params[0]
			return []byte{emberSuccess}
		}
		return nil
	})
	defer c.ash.Close()
	defer c.ezsp.Close()

	if err := c.PermitJoin(context.Background(), true, 60); err != nil {
		t.Fatalf("PermitJoin failed: %v", err)
	}
	if gotDuration != 60 {
		t.Errorf("duration = %d, want 60", gotDuration)
	}
}
