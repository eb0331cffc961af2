package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/promptflow/internal/binder"
	"github.com/rendis/promptflow/internal/diagram"
	"github.com/rendis/promptflow/internal/graph"
	"github.com/rendis/promptflow/internal/store"
	"github.com/rendis/promptflow/internal/streaming"
	"github.com/rendis/promptflow/internal/variables"
	"github.com/rendis/promptflow/pkg/schema"
)

// handleSave validates a flow document and persists it.
func (s *FlowServer) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flow, err := flowArgument(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if flow.ID == "" {
		return mcp.NewToolResultError("flow.id is required"), nil
	}

	result := s.validator.Validate(flow)
	if !result.Valid() {
		data, _ := json.Marshal(result)
		return mcp.NewToolResultError(fmt.Sprintf("flow is invalid: %s", data)), nil
	}

	s.captureSession(ctx, flow.ID)
	flow.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveFlow(ctx, flow); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save flow: %v", err)), nil
	}
	s.publish(ctx, flow.ID, schema.EventFlowSaved, map[string]any{"nodes": len(flow.Nodes), "edges": len(flow.Edges)})

	return marshalResult(map[string]any{
		"flow_id":  flow.ID,
		"saved":    true,
		"warnings": result.Warnings,
	})
}

// handleGet returns a saved flow document.
func (s *FlowServer) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get flow: %v", err)), nil
	}
	s.captureSession(ctx, flowID)
	return marshalResult(flow)
}

// handleList returns saved flow summaries.
func (s *FlowServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.FlowFilter{
		NameContains: req.GetString("name_contains", ""),
		Limit:        req.GetInt("limit", 0),
	}
	flows, err := s.store.ListFlows(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list flows: %v", err)), nil
	}
	if flows == nil {
		flows = []*store.FlowSummary{}
	}
	return marshalResult(map[string]any{"flows": flows})
}

// handleValidate runs the validation pipeline. Issues are part of the result,
// not a tool error.
func (s *FlowServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var flow *schema.PromptFlow
	if _, ok := req.GetArguments()["flow"]; ok {
		f, err := flowArgument(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		flow = f
	} else {
		flowID := req.GetString("flow_id", "")
		if flowID == "" {
			return mcp.NewToolResultError("flow or flow_id is required"), nil
		}
		f, err := s.store.GetFlow(ctx, flowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to get flow: %v", err)), nil
		}
		flow = f
	}

	result := s.validator.Validate(flow)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   orEmpty(result.Errors),
		"warnings": orEmpty(result.Warnings),
	})
}

// handleConnect checks a candidate edge against the connection rules. With
// apply set, an allowed edge is added and the flow saved.
func (s *FlowServer) handleConnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}
	apply := req.GetBool("apply", false)

	g, err := s.loadGraph(ctx, flowID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.captureSession(ctx, flowID)

	edge, res, err := g.AddEdge(graph.EdgeRequest{
		Source:       source,
		Target:       target,
		SourceHandle: req.GetString("source_handle", ""),
		TargetHandle: req.GetString("target_handle", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("connect failed: %v", err)), nil
	}
	if !res.Valid {
		s.publish(ctx, flowID, schema.EventEdgeBlocked, res)
		return marshalResult(map[string]any{"connection": res, "applied": false})
	}

	out := map[string]any{"connection": res, "edge": edge, "applied": false}
	if apply {
		snap := g.Snapshot()
		snap.UpdatedAt = time.Now().UTC()
		if err := s.store.SaveFlow(ctx, snap); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to save flow: %v", err)), nil
		}
		out["applied"] = true
		s.publish(ctx, flowID, schema.EventEdgeAdded, edge)
	}
	return marshalResult(out)
}

// handleSuggest ranks follow-up nodes for a source node.
func (s *FlowServer) handleSuggest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}

	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get flow: %v", err)), nil
	}
	source := flow.NodeByID(nodeID)
	if source == nil {
		return mcp.NewToolResultError(fmt.Sprintf("node %q not found in flow %s", nodeID, flowID)), nil
	}
	existing := make([]*schema.FlowNode, len(flow.Nodes))
	for i := range flow.Nodes {
		existing[i] = &flow.Nodes[i]
	}

	suggestions := s.suggest.Suggest(source, existing)
	if suggestions == nil {
		suggestions = []schema.FlowSuggestion{}
	}
	return marshalResult(map[string]any{"node_id": nodeID, "suggestions": suggestions})
}

// handleVariables resolves the flow's variables.
func (s *FlowServer) handleVariables(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get flow: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"variables":  variables.Resolve(flow),
		"undeclared": orEmpty(variables.Undeclared(flow)),
	})
}

// handleRun binds raw values to the flow's variables and submits them. Field
// errors come back in the outcome; only executor failures are tool errors.
func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	values, err := rawValues(mcp.ParseStringMap(req, "values", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get flow: %v", err)), nil
	}
	s.captureSession(ctx, flowID)

	recorder := newExecutionRecorder(s.store, s.logger)
	opts := []binder.Option{binder.WithAppender(recorder), binder.WithLogger(s.logger)}
	if s.hub != nil {
		opts = append(opts, binder.WithHub(s.hub))
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		opts = append(opts, binder.WithSessionID(session.SessionID()))
	}
	b := binder.New(flowID, variables.Resolve(flow), s.executor, opts...)
	defer b.Close()

	for name, value := range values {
		if err := b.Set(name, value); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	out, runErr := b.Submit(ctx)
	if out != nil {
		recorder.finish(ctx, out, runErr)
	}
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow execution failed: %v", runErr)), nil
	}
	return marshalResult(out)
}

// handleHistory replays an execution from its event log.
func (s *FlowServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.store.GetExecution(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get execution: %v", err)), nil
	}
	trace, err := s.events.Replay(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"execution": exec, "trace": trace})
}

// handleDiagram renders a flow as Mermaid text or a base64 PNG.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid or image"), nil
	}
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get flow: %v", err)), nil
	}

	var trace *store.ExecutionTrace
	if execID := req.GetString("execution_id", ""); execID != "" {
		trace, err = s.events.Replay(ctx, execID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", err)), nil
		}
		if trace.FlowID != "" && trace.FlowID != flowID {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s belongs to flow %s", execID, trace.FlowID)), nil
		}
	}

	model, err := diagram.Build(flow, trace)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram generation failed: %v", err)), nil
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("unsupported format"), nil
	}
}

func (s *FlowServer) loadGraph(ctx context.Context, flowID string) (*graph.Graph, error) {
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	opts := []graph.Option{graph.WithIDProvider(s.ids), graph.WithLogger(s.logger)}
	if s.checker != nil {
		opts = append(opts, graph.WithChecker(s.checker))
	}
	g, err := graph.Load(flow, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	return g, nil
}

// publish sends a flow-level event to the hub. Best effort.
func (s *FlowServer) publish(ctx context.Context, flowID, eventType string, payload any) {
	if s.hub == nil {
		return
	}
	ev := streaming.StreamEvent{FlowID: flowID, EventType: eventType, Payload: payload}
	if err := s.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.DebugContext(ctx, "publish flow event", "event", eventType, "error", err)
	}
}

// captureSession maps the flow ID to the current MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, flowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(flowID, session.SessionID())
	}
}

// flowArgument decodes the "flow" object argument.
func flowArgument(req mcp.CallToolRequest) (*schema.PromptFlow, error) {
	raw, ok := req.GetArguments()["flow"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("flow is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid flow: %v", err)
	}
	flow, err := schema.DecodeFlow(data)
	if err != nil {
		return nil, fmt.Errorf("invalid flow: %v", err)
	}
	return flow, nil
}

// rawValues turns tool arguments into the raw text the binder expects.
// Strings pass through; anything else is sent as its JSON text.
func rawValues(in map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for name, v := range in {
		switch val := v.(type) {
		case string:
			out[name] = val
		case nil:
			out[name] = ""
		default:
			data, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("value for %s: %v", name, err)
			}
			out[name] = string(data)
		}
	}
	return out, nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
