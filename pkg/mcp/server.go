package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"github.com/urmzd/homai/pkg/db"
	"github.com/urmzd/homai/pkg/device"
	"github.com/urmzd/homai/pkg/device/schema"
	"github.com/urmzd/homai/pkg/zigbee"
)

// GreenPowerController is the subset of *zigbee.Controller the GP tools
// need beyond device.Controller, checked with a type assertion since
// device.NullController has no GP support.
type GreenPowerController interface {
	PairGPD(sourceID uint32, key [16]byte, pairingParams []byte) error
	EnumerateChildren(ctx context.Context) ([]zigbee.ChildData, error)
}

// Server wraps the MCP server with Homai's device control functionality
type Server struct {
	mcpServer  *server.MCPServer
	controller device.Controller
	validator  *schema.Validator
	gp         GreenPowerController
	gpEntries  db.GPSinkEntryStore
}

// NewServer creates a new MCP server for device control. gpEntries may be
// nil, in which case GP pairings made through the MCP tools are not
// persisted across restarts.
func NewServer(controller device.Controller, validator *schema.Validator, gpEntries db.GPSinkEntryStore) *Server {
	gp, _ := controller.(GreenPowerController)
	s := &Server{
		controller: controller,
		validator:  validator,
		gp:         gp,
		gpEntries:  gpEntries,
	}

	// Create MCP server
	s.mcpServer = server.NewMCPServer(
		"homai",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	// Register all tools
	s.registerTools()

	return s
}

// ServeStdio starts the MCP server using stdio transport
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}
