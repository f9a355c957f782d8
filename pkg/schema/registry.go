package schema

// StepType enumerates the closed registry of step types.
type StepType string

const (
	StepUserMessage     StepType = "user_message"
	StepMCPCall         StepType = "mcp_call"
	StepUserInput       StepType = "user_input"
	StepAgentPrompt     StepType = "agent_prompt"
	StepAgentResponse   StepType = "agent_response"
	StepWait            StepType = "wait_step"
	StepShellCommand    StepType = "shell_command"
	StepStateUpdate     StepType = "state_update"
	StepConditional     StepType = "conditional"
	StepWhileLoop       StepType = "while_loop"
	StepForeach         StepType = "foreach"
	StepParallelForeach StepType = "parallel_foreach"
	StepBreak           StepType = "break"
	StepContinue        StepType = "continue"
)

// ExecutionSide declares where a step runs.
type ExecutionSide string

const (
	// SideServer steps are executed inline by the engine.
	SideServer ExecutionSide = "server"
	// SideClient steps are returned to the external caller to perform.
	SideClient ExecutionSide = "client"
	// SideControl steps never surface; the queue consumes them during flattening.
	SideControl ExecutionSide = "control"
)

// StepTypeInfo is one registry entry: execution side, fields that must be
// present in the step definition, and whether the step may carry an
// embedded state_update/state_updates block.
type StepTypeInfo struct {
	Execution           ExecutionSide
	RequiredFields      []string
	SupportsStateUpdate bool
}

// StepRegistry maps each step type to its registry entry. Definitions are
// validated against it at load time; the processor uses it to route.
var StepRegistry = map[StepType]StepTypeInfo{
	StepUserMessage:     {Execution: SideClient, RequiredFields: []string{"message"}},
	StepMCPCall:         {Execution: SideClient, RequiredFields: []string{"tool"}, SupportsStateUpdate: true},
	StepUserInput:       {Execution: SideClient, RequiredFields: []string{"prompt"}, SupportsStateUpdate: true},
	StepAgentPrompt:     {Execution: SideClient, RequiredFields: []string{"prompt"}, SupportsStateUpdate: true},
	StepAgentResponse:   {Execution: SideClient, SupportsStateUpdate: true},
	StepWait:            {Execution: SideClient},
	StepShellCommand:    {Execution: SideServer, RequiredFields: []string{"command"}, SupportsStateUpdate: true},
	StepStateUpdate:     {Execution: SideServer, RequiredFields: []string{"path"}},
	StepConditional:     {Execution: SideControl, RequiredFields: []string{"condition"}},
	StepWhileLoop:       {Execution: SideControl, RequiredFields: []string{"condition", "body"}},
	StepForeach:         {Execution: SideControl, RequiredFields: []string{"items", "body"}},
	StepParallelForeach: {Execution: SideClient, RequiredFields: []string{"items", "sub_agent_task"}},
	StepBreak:           {Execution: SideControl},
	StepContinue:        {Execution: SideControl},
}

// LookupStepType resolves a registry entry, reporting unknown types.
func LookupStepType(t StepType) (StepTypeInfo, bool) {
	info, ok := StepRegistry[t]
	return info, ok
}
