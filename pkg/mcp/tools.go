package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aromcp/workflow-mcp/internal/store"
	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// handleStart starts a workflow from inline YAML or a stored definition.
func (s *WorkflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowYAML := req.GetString("workflow_yaml", "")
	name := req.GetString("name", "")
	if workflowYAML == "" && name == "" {
		return errorResult(schema.NewError(schema.ErrCodeValidation,
			"one of workflow_yaml or name is required")), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	var def *schema.WorkflowDefinition
	switch {
	case workflowYAML != "":
		loaded, err := s.loader.Load([]byte(workflowYAML))
		if err != nil {
			return errorResult(err), nil
		}
		def = loaded
		if req.GetBool("register", false) {
			if err := s.registerDefinition(ctx, def); err != nil {
				return errorResult(err), nil
			}
		}
	default:
		stored, err := s.storedDefinition(ctx, name, req.GetString("version", ""))
		if err != nil {
			return errorResult(err), nil
		}
		def = stored
	}

	if err := s.loader.ValidateInputs(def, inputs); err != nil {
		return errorResult(err), nil
	}

	status, err := s.executor.Start(ctx, def, inputs)
	if err != nil {
		return errorResult(err), nil
	}
	return marshalResult(status)
}

// handleGetNextStep advances a workflow and returns the next client steps.
func (s *WorkflowServer) handleGetNextStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	result, nextErr := s.executor.GetNextStep(ctx, workflowID)
	if nextErr != nil {
		return errorResult(nextErr), nil
	}
	return marshalResult(result)
}

// handleStepComplete acknowledges a client-side step's outcome.
func (s *WorkflowServer) handleStepComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("status is required"), nil
	}
	if status != "success" && status != "failed" {
		return mcp.NewToolResultError("status must be success or failed"), nil
	}
	result := req.GetArguments()["result"]

	if completeErr := s.executor.StepComplete(ctx, workflowID, stepID, status == "success", result); completeErr != nil {
		return errorResult(completeErr), nil
	}

	st, statusErr := s.executor.Status(workflowID)
	if statusErr != nil {
		return errorResult(statusErr), nil
	}
	return marshalResult(st)
}

// handleUpdateState applies external state updates to a running workflow.
func (s *WorkflowServer) handleUpdateState(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	updates, parseErr := parseUpdates(req.GetArguments()["updates"])
	if parseErr != nil {
		return errorResult(parseErr), nil
	}

	st, updateErr := s.executor.UpdateState(workflowID, updates)
	if updateErr != nil {
		return errorResult(updateErr), nil
	}
	return marshalResult(map[string]any{"workflow_id": workflowID, "state": st})
}

// handleStatus reports a workflow's status, state, and optional history.
func (s *WorkflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	status, statusErr := s.executor.Status(workflowID)
	if statusErr != nil {
		// The instance may have been cleaned up; fall back to the run record.
		if s.store != nil {
			if run, runErr := s.store.GetRun(ctx, workflowID); runErr == nil {
				return s.statusFromRun(ctx, req, run)
			}
		}
		return errorResult(statusErr), nil
	}

	out := map[string]any{
		"workflow_id": status.WorkflowID,
		"name":        status.Name,
		"status":      status.Status,
		"started_at":  status.StartedAt,
	}
	if status.State != nil {
		out["state"] = status.State
	}
	if status.Failure != "" {
		out["failure"] = status.Failure
	}
	if req.GetBool("include_history", false) && s.store != nil {
		events, eventsErr := s.store.GetEvents(ctx, workflowID, 0)
		if eventsErr != nil {
			return errorResult(eventsErr), nil
		}
		out["history"] = events
	}
	return marshalResult(out)
}

// statusFromRun serves status for a workflow whose in-memory instance is gone.
func (s *WorkflowServer) statusFromRun(ctx context.Context, req mcp.CallToolRequest, run *store.WorkflowRun) (*mcp.CallToolResult, error) {
	out := map[string]any{
		"workflow_id": run.ID,
		"name":        run.Name,
		"status":      run.Status,
		"started_at":  run.CreatedAt,
	}
	if run.Failure != "" {
		out["failure"] = run.Failure
	}
	if req.GetBool("include_history", false) {
		events, err := s.store.GetEvents(ctx, run.ID, 0)
		if err != nil {
			return errorResult(err), nil
		}
		out["history"] = events
	}
	return marshalResult(out)
}

// handleGetNextSubAgentStep advances one sub-agent task, or claims newly
// admitted tasks when called with an execution_id.
func (s *WorkflowServer) handleGetNextSubAgentStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	taskID := req.GetString("task_id", "")
	executionID := req.GetString("execution_id", "")

	subagents := s.executor.SubAgents()
	switch {
	case taskID != "":
		ps, done, stepErr := subagents.NextStep(ctx, workflowID, taskID)
		if stepErr != nil {
			return errorResult(stepErr), nil
		}
		if ps == nil {
			return marshalResult(map[string]any{"workflow_id": workflowID, "task_id": taskID, "completed": done})
		}
		return marshalResult(map[string]any{"workflow_id": workflowID, "task_id": taskID, "step": ps})
	case executionID != "":
		tasks, claimErr := subagents.NextAvailableTasks(executionID)
		if claimErr != nil {
			return errorResult(claimErr), nil
		}
		return marshalResult(map[string]any{"workflow_id": workflowID, "execution_id": executionID, "tasks": tasks})
	default:
		return mcp.NewToolResultError("one of task_id or execution_id is required"), nil
	}
}

// handleExecuteSubAgentStep acknowledges a sub-agent task step.
func (s *WorkflowServer) handleExecuteSubAgentStep(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	status := req.GetString("status", "success")
	result := req.GetArguments()["result"]

	subagents := s.executor.SubAgents()
	if status == "failed" {
		if failErr := subagents.CompleteTask(workflowID, taskID, schema.TaskStatusFailed, result); failErr != nil {
			return errorResult(failErr), nil
		}
		return marshalResult(map[string]any{"workflow_id": workflowID, "task_id": taskID, "status": schema.TaskStatusFailed})
	}

	if completeErr := subagents.CompleteStep(workflowID, taskID, stepID, result); completeErr != nil {
		return errorResult(completeErr), nil
	}
	task, taskErr := subagents.Task(workflowID, taskID)
	if taskErr != nil {
		return errorResult(taskErr), nil
	}
	payload := map[string]any{"workflow_id": workflowID, "task_id": taskID, "status": task.Status()}
	if st, stateErr := subagents.TaskState(workflowID, taskID); stateErr == nil {
		payload["state"] = st
	}
	return marshalResult(payload)
}

// handleList lists running workflows, stored runs, or registered definitions.
func (s *WorkflowServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource := req.GetString("resource", "running")
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "running":
		statuses := s.executor.List()
		if status, ok := filter["status"].(string); ok && status != "" {
			filtered := statuses[:0]
			for _, st := range statuses {
				if st.Status == schema.WorkflowStatus(status) {
					filtered = append(filtered, st)
				}
			}
			statuses = filtered
		}
		return marshalResult(map[string]any{"workflows": statuses})
	case "runs":
		return s.listRuns(ctx, filter)
	case "definitions":
		return s.listDefinitions(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *WorkflowServer) listRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return errorResult(schema.NewError(schema.ErrCodeStore, "persistence is not configured")), nil
	}
	rf := store.RunFilter{Limit: extractInt(filter, "limit", 50)}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		rf.Status = &ws
	}
	if name, ok := filter["name"].(string); ok {
		rf.Name = name
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return errorResult(err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *WorkflowServer) listDefinitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return errorResult(schema.NewError(schema.ErrCodeStore, "persistence is not configured")), nil
	}
	defs, err := s.store.ListDefinitions(ctx, extractInt(filter, "limit", 50))
	if err != nil {
		return errorResult(err), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

// --- Internal helpers ---

// StartStored resolves a stored definition and starts it. Satisfies the
// scheduler's WorkflowStarter interface.
func (s *WorkflowServer) StartStored(ctx context.Context, name, version string, inputs map[string]any) (string, error) {
	def, err := s.storedDefinition(ctx, name, version)
	if err != nil {
		return "", err
	}
	status, err := s.executor.Start(ctx, def, inputs)
	if err != nil {
		return "", err
	}
	return status.WorkflowID, nil
}

func (s *WorkflowServer) storedDefinition(ctx context.Context, name, version string) (*schema.WorkflowDefinition, error) {
	if s.store == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persistence is not configured; pass workflow_yaml instead")
	}
	stored, err := s.store.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return stored.Definition, nil
}

func (s *WorkflowServer) registerDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	if s.store == nil {
		return schema.NewError(schema.ErrCodeStore, "persistence is not configured; cannot register definitions")
	}
	version := def.Version
	if version == "" {
		version = "v1"
	}
	now := time.Now().UTC()
	return s.store.StoreDefinition(ctx, &store.StoredDefinition{
		Name:        def.Name,
		Version:     version,
		Description: def.Description,
		Definition:  def,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// parseUpdates converts the raw updates argument to typed state updates.
func parseUpdates(raw any) ([]schema.StateUpdate, error) {
	if raw == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "updates is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid updates: %v", err)
	}
	var updates []schema.StateUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"updates must be a list of {path, value, operation?} entries: %v", err)
	}
	if len(updates) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "updates must not be empty")
	}
	return updates, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	switch val := filter[key].(type) {
	case float64:
		return int(val)
	case int:
		return val
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n)
		}
	}
	return defaultVal
}

// errorResult serializes a failure as {error: {code, message}} so tool
// callers always get a structured payload.
func errorResult(err error) *mcp.CallToolResult {
	werr := schema.AsWorkflowError(err)
	data, marshalErr := json.Marshal(map[string]any{"error": werr})
	if marshalErr != nil {
		return mcp.NewToolResultError(werr.Error())
	}
	return mcp.NewToolResultError(string(data))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
