package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListSessions lists active sessions.
func (h *Handlers) HandleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
	}

	text, err := formatSessionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sessions: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// render turns a raw API response into tool output.
type render func(json.RawMessage) (string, error)

// sessionTool reads the required session_id argument, calls fetch and
// renders the answer. action names the call in error text.
func sessionTool(ctx context.Context, req mcp.CallToolRequest, action string,
	fetch func(context.Context, string) (json.RawMessage, error), out render) *mcp.CallToolResult {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required")
	}

	raw, err := fetch(ctx, sessionID)
	if IsNotFound(err) {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s for %s: not found (%v)", action, sessionID, err))
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err))
	}

	text, err := out(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err))
	}
	return mcp.NewToolResultText(text)
}

// HandleGetRiskAssessment returns the latest assessment, or scores the
// session now when refresh is set.
func (h *Handlers) HandleGetRiskAssessment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fetch := h.client.GetAssessment
	if refresh, _ := req.GetArguments()["refresh"].(bool); refresh {
		fetch = h.client.Assess
	}
	return sessionTool(ctx, req, "get assessment", fetch, formatAssessment), nil
}

// HandleListAssessments pages through a session's assessment history.
func (h *Handlers) HandleListAssessments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)
	cursor := req.GetString("cursor", "")
	fetch := func(ctx context.Context, id string) (json.RawMessage, error) {
		return h.client.ListAssessments(ctx, id, limit, cursor)
	}
	return sessionTool(ctx, req, "list assessments", fetch, formatAssessmentHistory), nil
}

// HandleGetSessionSummary returns the behavioral summary.
func (h *Handlers) HandleGetSessionSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sessionTool(ctx, req, "get summary", h.client.GetSummary, formatSummary), nil
}

// HandleGetIPReport returns the IP velocity report.
func (h *Handlers) HandleGetIPReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sessionTool(ctx, req, "get IP report", h.client.GetIPReport, formatIPReport), nil
}

// HandleExportSession returns the export document as indented JSON.
func (h *Handlers) HandleExportSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sessionTool(ctx, req, "export session", h.client.GetExport, func(raw json.RawMessage) (string, error) {
		return formatJSON(raw), nil
	}), nil
}

// HandleTerminateSession ends a session.
func (h *Handlers) HandleTerminateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	return sessionTool(ctx, req, "terminate session", h.client.TerminateSession, func(json.RawMessage) (string, error) {
		return fmt.Sprintf("Session %s terminated.\n"+
			"Its export is written to the configured sinks in the background.", sessionID), nil
	}), nil
}

// HandleBlacklist adds values to a blacklist.
func (h *Handlers) HandleBlacklist(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := req.GetString("list", "")
	if list == "" {
		return mcp.NewToolResultError("list is required"), nil
	}
	values := splitValues(req.GetString("values", ""))
	if len(values) == 0 {
		return mcp.NewToolResultError("values is required"), nil
	}

	if _, err := h.client.AddToBlacklist(ctx, list, values); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Blacklist update failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Added %d value(s) to the %s blacklist:\n  %s",
		len(values), list, strings.Join(values, "\n  "))), nil
}

// HandleGetServiceHealth returns the health report.
func (h *Handlers) HandleGetServiceHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetHealth(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get health: %v", err)), nil
	}

	text, err := formatHealth(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse health: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func splitValues(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// unwrap returns resp[key] when the response nests its payload under key.
func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if inner, ok := resp[key].(map[string]any); ok {
		return inner, nil
	}
	return resp, nil
}

func formatSessionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected sessions response format")
	}
	if len(resp.Sessions) == 0 {
		return "No active sessions.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d session(s):\n\n", len(resp.Sessions)))
	for i, s := range resp.Sessions {
		sb.WriteString(fmt.Sprintf("%d. %s (%s)\n", i+1, getString(s, "id"), getString(s, "state")))
		if v := getString(s, "userId"); v != "" {
			sb.WriteString(fmt.Sprintf("   User: %s\n", v))
		}
		if v := getString(s, "ipAddress"); v != "" {
			sb.WriteString(fmt.Sprintf("   IP: %s\n", v))
		}
		if v, ok := getFloat(s, "events"); ok {
			sb.WriteString(fmt.Sprintf("   Events: %.0f\n", v))
		}
	}
	return sb.String(), nil
}

func formatAssessment(raw json.RawMessage) (string, error) {
	a, err := unwrap(raw, "assessment")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Risk Assessment:\n")
	sb.WriteString(fmt.Sprintf("  Session: %s\n", getString(a, "sessionId")))
	sb.WriteString(fmt.Sprintf("  Risk Level: %s\n", getString(a, "riskLevel")))
	sb.WriteString(fmt.Sprintf("  Decision: %s\n", getString(a, "decision")))
	if v, ok := getFloat(a, "score"); ok {
		sb.WriteString(fmt.Sprintf("  Score: %.0f\n", v))
	}
	if v, ok := getFloat(a, "confidence"); ok {
		sb.WriteString(fmt.Sprintf("  Confidence: %.0f%%\n", v*100))
	}
	if v := getString(a, "hardRuleCode"); v != "" {
		sb.WriteString(fmt.Sprintf("  Hard Rule: %s\n", v))
	}
	if degraded := getStrings(a, "degraded"); len(degraded) > 0 {
		sb.WriteString(fmt.Sprintf("  Degraded Providers: %s\n", strings.Join(degraded, ", ")))
	}
	writeList(&sb, "Risk Factors", getStrings(a, "riskFactors"))
	writeList(&sb, "Recommendations", getStrings(a, "recommendations"))

	if reasons, ok := a["topReasons"].([]any); ok && len(reasons) > 0 {
		sb.WriteString("  Top Reasons:\n")
		for _, r := range reasons {
			if m, ok := r.(map[string]any); ok {
				v, _ := getFloat(m, "value")
				sb.WriteString(fmt.Sprintf("    - %s (%+.2f)\n", getString(m, "code"), v))
			}
		}
	}
	return sb.String(), nil
}

func formatAssessmentHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Assessments []map[string]any `json:"assessments"`
		NextCursor  string           `json:"nextCursor"`
		HasMore     bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected assessments response format")
	}
	if len(resp.Assessments) == 0 {
		return "No assessments recorded.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d assessment(s), newest first:\n", len(resp.Assessments)))
	for _, a := range resp.Assessments {
		score, _ := getFloat(a, "score")
		sb.WriteString(fmt.Sprintf("  %s  %-6s %-9s score %.0f",
			getString(a, "evaluatedAt"), getString(a, "riskLevel"), getString(a, "decision"), score))
		if code := getString(a, "hardRuleCode"); code != "" {
			sb.WriteString(" [" + code + "]")
		}
		sb.WriteString("\n")
	}
	if resp.HasMore {
		sb.WriteString(fmt.Sprintf("More available: pass cursor %q\n", resp.NextCursor))
	}
	return sb.String(), nil
}

func formatSummary(raw json.RawMessage) (string, error) {
	s, err := unwrap(raw, "summary")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Session Summary:\n")
	sb.WriteString(fmt.Sprintf("  Activity: %s\n", getString(s, "activityLevel")))
	if v, ok := getFloat(s, "durationSeconds"); ok {
		sb.WriteString(fmt.Sprintf("  Duration: %.0fs\n", v))
	}
	if v, ok := getFloat(s, "totalEvents"); ok {
		sb.WriteString(fmt.Sprintf("  Events: %.0f\n", v))
	}
	clicks, _ := getFloat(s, "totalClicks")
	keys, _ := getFloat(s, "totalKeypresses")
	sb.WriteString(fmt.Sprintf("  Clicks: %.0f | Keypresses: %.0f\n", clicks, keys))

	if rates, ok := s["eventsPerMinute"].(map[string]any); ok && len(rates) > 0 {
		kinds := make([]string, 0, len(rates))
		for k := range rates {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		sb.WriteString("  Events/min:\n")
		for _, k := range kinds {
			if v, ok := rates[k].(float64); ok {
				sb.WriteString(fmt.Sprintf("    %s: %.1f\n", k, v))
			}
		}
	}
	if spots, ok := s["hotspots"].([]any); ok && len(spots) > 0 {
		sb.WriteString(fmt.Sprintf("  Hotspots: %d\n", len(spots)))
	}
	return sb.String(), nil
}

func formatIPReport(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("IP Report:\n")
	sb.WriteString(fmt.Sprintf("  Current IP: %s\n", getString(resp, "ipAddress")))
	if a, ok := resp["ipAnalysis"].(map[string]any); ok {
		rapid, _ := a["rapidIpChanges"].(bool)
		n, _ := getFloat(a, "uniqueIpsLastHour")
		sb.WriteString(fmt.Sprintf("  Unique IPs (last hour): %.0f\n", n))
		sb.WriteString(fmt.Sprintf("  Rapid Changes: %t\n", rapid))
		sb.WriteString(fmt.Sprintf("  Risk Level: %s\n", getString(a, "riskLevel")))
		writeList(&sb, "Addresses", getStrings(a, "ipList"))
	}
	return sb.String(), nil
}

func formatHealth(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Status: %s (version %s)\n", getString(resp, "status"), getString(resp, "version")))
	if v, ok := getFloat(resp, "activeSessions"); ok {
		sb.WriteString(fmt.Sprintf("Active Sessions: %.0f\n", v))
	}
	if checks, ok := resp["checks"].([]any); ok {
		for _, c := range checks {
			m, ok := c.(map[string]any)
			if !ok {
				continue
			}
			state := "ok"
			if healthy, _ := m["healthy"].(bool); !healthy {
				state = "FAIL"
				if d := getString(m, "detail"); d != "" {
					state += ": " + d
				}
			}
			sb.WriteString(fmt.Sprintf("  %s: %s\n", getString(m, "name"), state))
		}
	}
	return sb.String(), nil
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(fmt.Sprintf("  %s:\n", title))
	for _, it := range items {
		sb.WriteString(fmt.Sprintf("    - %s\n", it))
	}
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// getStrings extracts a string list from a map.
func getStrings(m map[string]any, key string) []string {
	items, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
