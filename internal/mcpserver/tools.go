package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Pacebreak MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetRiskState = mcp.NewTool("get_risk_state",
	mcp.WithDescription(
		"Get the user's current behavioral risk state on Pacebreak. "+
			"Returns the composite risk score (0-100), level (low/medium/high/critical), "+
			"and the four factor scores: session duration, reopen frequency, "+
			"late-night usage, and scroll velocity."),
)

var ToolGetRiskHistory = mcp.NewTool("get_risk_history",
	mcp.WithDescription(
		"Get the user's recent risk level changes, newest first. "+
			"Each entry shows the old and new level, the score, and the event that triggered it. "+
			"Use this to see how the user's usage pattern has been trending."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of history entries to return (default 20)")),
)

var ToolGetCurrentSession = mcp.NewTool("get_current_session",
	mcp.WithDescription(
		"Get the active app session for one of the user's devices, if any. "+
			"Shows when the session started, how many times the app was reopened, "+
			"and whether the app is currently backgrounded."),
	mcp.WithString("device_identifier",
		mcp.Required(),
		mcp.Description("The stable device identifier (e.g. 'device-a1b2c3')")),
)

var ToolListInterventions = mcp.NewTool("list_interventions",
	mcp.WithDescription(
		"List the user's interventions, newest first. "+
			"Each intervention has a type (soft_nudge/medium_friction/hard_block/parent_alert), "+
			"a status (pending/delivered/acknowledged/dismissed/escalated), and the risk "+
			"context it was created under."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of interventions to return (default 20)")),
)

var ToolRespondToIntervention = mcp.NewTool("respond_to_intervention",
	mcp.WithDescription(
		"Record the user's response to an intervention. "+
			"'acknowledge' and 'action_taken' close it as effective, 'dismiss' closes it "+
			"as ineffective, 'snooze' keeps it open. Responding to an already-closed "+
			"intervention fails."),
	mcp.WithString("intervention_id",
		mcp.Required(),
		mcp.Description("The intervention ID from a previous list_interventions result")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("The user's response"),
		mcp.Enum("acknowledge", "dismiss", "snooze", "action_taken")),
)

var ToolGetPolicy = mcp.NewTool("get_policy",
	mcp.WithDescription(
		"Get the user's effective behavioral policy: session time limit, reopen "+
			"threshold, scroll velocity limit, bedtime window, timezone, and whether "+
			"guardian escalation is enabled."),
)

var ToolSetPolicy = mcp.NewTool("set_policy",
	mcp.WithDescription(
		"Replace the user's behavioral policy. All threshold fields are required; "+
			"the new policy takes effect on the next risk evaluation."),
	mcp.WithNumber("session_limit_minutes",
		mcp.Required(),
		mcp.Description("Maximum healthy session length in minutes (e.g. 60)")),
	mcp.WithNumber("reopen_threshold",
		mcp.Required(),
		mcp.Description("App reopens per hour considered compulsive (e.g. 5)")),
	mcp.WithNumber("scroll_velocity_limit",
		mcp.Required(),
		mcp.Description("Scroll velocity (pixels/second) considered doomscrolling (e.g. 1000)")),
	mcp.WithString("bedtime_start",
		mcp.Required(),
		mcp.Description("Bedtime window start, HH:MM user-local (e.g. '23:00')")),
	mcp.WithString("bedtime_end",
		mcp.Required(),
		mcp.Description("Bedtime window end, HH:MM user-local (e.g. '06:00')")),
	mcp.WithString("timezone",
		mcp.Required(),
		mcp.Description("IANA timezone name (e.g. 'America/New_York')")),
	mcp.WithBoolean("escalation_enabled",
		mcp.Description("Whether repeated dismissals may escalate to a guardian (default false)")),
	mcp.WithNumber("escalation_delay_minutes",
		mcp.Description("Delay before a scheduled escalation fires (e.g. 15)")),
)

var ToolGetAgentState = mcp.NewTool("get_agent_state",
	mcp.WithDescription(
		"Get the orchestrator state for the user: idle, monitoring, intervening, "+
			"or escalating, plus the last event and risk snapshot that drove it."),
)

var ToolGetOverview = mcp.NewTool("get_overview",
	mcp.WithDescription(
		"Get a combined overview for the user: agent state, current risk state, "+
			"number of open interventions, and realtime connection stats."),
)
