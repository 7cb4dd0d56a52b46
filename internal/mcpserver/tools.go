package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the trustscore MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListSessions = mcp.NewTool("list_sessions",
	mcp.WithDescription(
		"List the identity verification sessions currently being monitored. "+
			"Returns session IDs, users, IP addresses and event counts."),
)

var ToolGetRiskAssessment = mcp.NewTool("get_risk_assessment",
	mcp.WithDescription(
		"Get the risk assessment for a session: score, risk level (low/medium/high), "+
			"decision (allow/challenge/block), risk factors and recommendations. "+
			"Set refresh to score the session now instead of returning the last stored result."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID (e.g. 'sess_...')")),
	mcp.WithBoolean("refresh",
		mcp.Description("Score the session now rather than reading the latest assessment")),
)

var ToolListAssessments = mcp.NewTool("list_assessments",
	mcp.WithDescription(
		"List a session's past risk assessments, newest first, to see how its risk changed over time. "+
			"Results are paged; pass the returned cursor to fetch older ones."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum assessments to return (default 10, max 500)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous call, to continue where it stopped")),
)

var ToolGetSessionSummary = mcp.NewTool("get_session_summary",
	mcp.WithDescription(
		"Get the behavioral summary of a session: duration, event counts and rates, "+
			"click hotspots and overall activity level."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID")),
)

var ToolGetIPReport = mcp.NewTool("get_ip_report",
	mcp.WithDescription(
		"Get the IP velocity report for a session: distinct addresses seen in the last hour "+
			"and whether the changes are rapid enough to be suspicious."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID")),
)

var ToolExportSession = mcp.NewTool("export_session",
	mcp.WithDescription(
		"Build the full audit export for a session, including telemetry, device, "+
			"geolocation and the risk assessment, as JSON."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID")),
)

var ToolTerminateSession = mcp.NewTool("terminate_session",
	mcp.WithDescription(
		"End a session. Terminated sessions stop being scored and are exported to the configured sinks."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID")),
)

var ToolBlacklist = mcp.NewTool("blacklist",
	mcp.WithDescription(
		"Add IP addresses, user agents or device fingerprints to a blacklist. "+
			"Sessions matching a blacklist entry are always rated high risk. Requires the admin secret."),
	mcp.WithString("list",
		mcp.Required(),
		mcp.Description("Which blacklist to add to"),
		mcp.Enum("ips", "user_agents", "fingerprints")),
	mcp.WithString("values",
		mcp.Required(),
		mcp.Description("Comma-separated values to add (e.g. '203.0.113.7, 198.51.100.2')")),
)

var ToolGetServiceHealth = mcp.NewTool("get_service_health",
	mcp.WithDescription(
		"Check the trustscore service health: storage, provider circuits, the scoring loop and ingestion."),
)
