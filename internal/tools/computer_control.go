package tools

import "context"

// ComputerControlTool is a deliberate stub. spec.md's Non-goals name "the
// filesystem/browser/process computer control adapters" as external
// collaborators; browser_action/click/type/scroll are carried as concrete,
// containable go-rod/rod operations (browser.go) because the spec's own
// HITL risk tables name them as first-class tool calls, but OS-level
// desktop automation (driving the host's screen/mouse/keyboard outside a
// browser) has no such concrete surface anywhere in spec.md and stays out
// of scope. The tool is still registered — at HIGH risk, per §4.5's
// allowlist — so policy/risk gating behaves correctly if a deployment
// wires a real adapter in later.
type ComputerControlTool struct{}

func NewComputerControlTool() *ComputerControlTool { return &ComputerControlTool{} }

func (t *ComputerControlTool) Name() string { return "computer_control" }

func (t *ComputerControlTool) Description() string {
	return "Not available in this deployment: desktop-level computer control is out of scope."
}

func (t *ComputerControlTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ComputerControlTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return ErrorResult("computer_control is not available in this deployment")
}
