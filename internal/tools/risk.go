package tools

import (
	"fmt"

	"github.com/nextlevelbuilder/gatewaycore/internal/sessions"
)

// RiskTier classifies a tool call's blast radius for HITL gating (§4.5).
type RiskTier string

const (
	RiskSafe     RiskTier = "safe"
	RiskModerate RiskTier = "moderate"
	RiskHigh     RiskTier = "high"
)

// defaultHighRisk / defaultModerateRisk / defaultSafeDowngrade are the fixed
// allowlists from §4.5 point 1: HIGH covers destructive ops (including
// computer_control), MODERATE covers the browser surface
// (browser_action/click/type/scroll), and the downgrade set carves out
// known-safe actions within a MODERATE tool (e.g. a read-only screenshot).
// config.ToolsConfig.HighRisk/ModerateRisk extend HIGH/MODERATE per deployment.
var defaultHighRisk = map[string]bool{
	"execute_command":  true,
	"run_script":       true,
	"delete_file":      true,
	"move_file":        true,
	"replace_in_file":  true,
	"write_file":       true,
	"computer_control": true,
}

var defaultModerateRisk = map[string]bool{
	"browser_action": true,
	"click":          true,
	"type":           true,
	"scroll":         true,
}

// defaultSafeDowngrade lists actions that, even when dispatched through a
// MODERATE tool (e.g. browser_action with action=screenshot), are known-safe
// and should not require confirmation. RiskTierFor consults this by the
// action name passed in args, not by tool name.
var defaultSafeDowngrade = map[string]bool{
	"screenshot":          true,
	"get_content":         true,
	"get_url":             true,
	"get_title":           true,
	"get_mouse_position":  true,
	"get_screen_size":     true,
}

// RiskTierFor classifies toolName, consulting extra allowlists layered on
// top of the builtin defaults (highest tier wins). action is the tool's
// sub-operation (e.g. args["action"] for browser_action); pass "" when the
// tool has no sub-action concept.
func RiskTierFor(toolName, action string, extraHigh, extraModerate []string) RiskTier {
	for _, n := range extraHigh {
		if n == toolName {
			return RiskHigh
		}
	}
	if defaultHighRisk[toolName] {
		return RiskHigh
	}

	isModerate := defaultModerateRisk[toolName]
	for _, n := range extraModerate {
		if n == toolName {
			isModerate = true
		}
	}
	if isModerate {
		if action != "" && defaultSafeDowngrade[action] {
			return RiskSafe
		}
		return RiskModerate
	}
	return RiskSafe
}

// ConfirmationRequired is returned in BatchOutcome.Confirmation by
// ExecuteBatch (or wrapped in Result.Err by ConfirmationResult) when a batch
// of tool calls contains at least one HIGH-risk call not yet approved. It
// carries the whole batch (§4.5 point 2) so the caller can park it on the
// session and replay it once the client approves/rejects tool_call_id.
type ConfirmationRequired struct {
	ToolCallID   string
	ToolName     string
	Args         map[string]interface{}
	AllToolCalls []sessions.ToolCallRef
	Risk         RiskTier
}

func (e *ConfirmationRequired) Error() string {
	return fmt.Sprintf("tool %q (risk=%s) requires confirmation", e.ToolName, e.Risk)
}

// ConfirmationResult returns the Result a tool dispatcher should produce
// for a batch that triggered ConfirmationRequired, so the agent loop's
// normal tool-result flow sees a clean stop signal.
func ConfirmationResult(toolCallID, toolName string, args map[string]interface{}, allCalls []sessions.ToolCallRef, risk RiskTier) *Result {
	r := ErrorResult("awaiting confirmation")
	r.Err = &ConfirmationRequired{ToolCallID: toolCallID, ToolName: toolName, Args: args, AllToolCalls: allCalls, Risk: risk}
	return r
}
