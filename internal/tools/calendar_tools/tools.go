package calendar_tools

import (
	"context"
	"fmt"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/schedulefewer/internal/calendar"
	"github.com/teemow/schedulefewer/internal/server"
	"github.com/teemow/schedulefewer/internal/tools/common"
)

// getCalendarClient resolves the authenticated user from the request
// context and returns their Calendar client, backed by the Google tokens
// cached during authorization.
func getCalendarClient(ctx context.Context, sc *server.ServerContext) (*calendar.Client, error) {
	userID, err := common.UserIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	client, err := sc.CalendarClientForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("calendar access unavailable: %w", err)
	}
	return client, nil
}

// RegisterCalendarTools registers all Calendar-related tools with the MCP
// server. With readOnly set, tools that modify calendar data are skipped.
func RegisterCalendarTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	if err := RegisterEventTools(s, sc, readOnly); err != nil {
		return fmt.Errorf("failed to register event tools: %w", err)
	}

	if err := RegisterCalendarListTools(s, sc); err != nil {
		return fmt.Errorf("failed to register calendar list tools: %w", err)
	}

	if err := RegisterSchedulingTools(s, sc); err != nil {
		return fmt.Errorf("failed to register scheduling tools: %w", err)
	}

	return nil
}
