package protocol

// RPC method name constants — the fixed dispatch table of §6. Unlike the
// teacher's phased, channel-platform-heavy table, this set is exactly the
// Gateway Core's External Interfaces method table: no reflective dispatch,
// no channel-instance or team-delegation management (those belong to the
// external, out-of-scope management plane).
const (
	// Connection lifecycle
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodSystemInfo = "system.info"

	// Channel send
	MethodSend = "send"

	// Agent invocation (LLM turn, possibly streaming)
	MethodAgent = "agent"

	// Memory
	MethodMemoryQuery     = "memory.query"
	MethodMemoryCluster   = "memory.cluster"
	MethodMemorySummarize = "memory.summarize"
	MethodMemoryGraph     = "memory.graph"
	MethodMemoryDecay     = "memory.decay"
	MethodMemoryCleanup   = "memory.cleanup"

	// Sessions
	MethodSessionsList   = "sessions.list"
	MethodSessionDetail  = "session.detail"
	MethodSessionDelete  = "session.delete"

	// Tools
	MethodToolsList = "tools.list"
	MethodToolCall  = "tool.call"

	// Config
	MethodConfigGet         = "config.get"
	MethodConfigReload      = "config.reload"
	MethodConfigUpdate      = "config.update"
	MethodConfigReset       = "config.reset"
	MethodConfigSwitchModel = "config.switch_model"
	MethodConfigDiagnose    = "config.diagnose"

	// Tool HITL confirmation (client decision on a pending confirmation)
	MethodToolConfirm = "tool.confirm"
)
