// Package dryrun renders a flow with bound variables without calling a model.
// It is the default execution collaborator for the binder.
package dryrun

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"strings"

	"github.com/rendis/promptflow/internal/binder"
	"github.com/rendis/promptflow/internal/expressions"
	"github.com/rendis/promptflow/internal/graph"
	"github.com/rendis/promptflow/internal/iterate"
	"github.com/rendis/promptflow/internal/logging"
	"github.com/rendis/promptflow/internal/store"
	"github.com/rendis/promptflow/internal/streaming"
	"github.com/rendis/promptflow/pkg/schema"
)

// Conditional nodes route through these source handles. Edges leaving a
// conditional from any other handle are always followed.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// FlowSource loads the flow document for an execution.
type FlowSource interface {
	GetFlow(ctx context.Context, id string) (*schema.PromptFlow, error)
}

// FlowSourceFunc adapts a function to FlowSource.
type FlowSourceFunc func(ctx context.Context, id string) (*schema.PromptFlow, error)

func (f FlowSourceFunc) GetFlow(ctx context.Context, id string) (*schema.PromptFlow, error) {
	return f(ctx, id)
}

// Option configures an Executor.
type Option func(*Executor)

// WithAppender records node events in the execution log.
func WithAppender(a binder.EventAppender) Option {
	return func(e *Executor) { e.appender = a }
}

// WithHub publishes node events to hub.
func WithHub(hub streaming.EventHub) Option {
	return func(e *Executor) { e.hub = hub }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithParallelLimit caps concurrent iterations of parallel for-each nodes.
func WithParallelLimit(n int) Option {
	return func(e *Executor) { e.parallelLimit = n }
}

// WithEngines replaces the expression engines used for conditions and transforms.
func WithEngines(exprEng *expressions.ExprEngine, jqEng *expressions.GoJQEngine) Option {
	return func(e *Executor) {
		if exprEng != nil {
			e.exprEng = exprEng
		}
		if jqEng != nil {
			e.jqEng = jqEng
		}
	}
}

// Executor walks an acyclic flow in topological order. Prompt-like nodes
// render their text, conditionals evaluate and route, transforms apply,
// for-each nodes run their downstream nodes once per item, and outputs
// render their templates. Every node output is bound under the node id, so
// later nodes can reference it as {{nodeID}}.
type Executor struct {
	flows         FlowSource
	exprEng       *expressions.ExprEngine
	jqEng         *expressions.GoJQEngine
	appender      binder.EventAppender
	hub           streaming.EventHub
	logger        *slog.Logger
	parallelLimit int
}

var _ binder.Executor = (*Executor)(nil)

// New creates a dry-run executor that loads flows from flows.
func New(flows FlowSource, opts ...Option) *Executor {
	e := &Executor{
		flows:   flows,
		exprEng: expressions.NewExprEngine(),
		jqEng:   expressions.NewGoJQEngine(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute renders the flow named by req.FlowID. The result Output maps each
// output node id to its rendered value; a flow without output nodes reports
// its sink nodes instead.
func (e *Executor) Execute(ctx context.Context, req binder.ExecutionRequest) (*binder.ExecutionResult, error) {
	flow, err := e.flows.GetFlow(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(flow.Nodes))
	for i, n := range flow.Nodes {
		ids[i] = n.ID
	}
	order, err := graph.TopologicalSort(ids, flow.Edges)
	if err != nil {
		return nil, err
	}

	r := &run{
		exec:     e,
		req:      req,
		nodes:    make(map[string]*schema.FlowNode, len(flow.Nodes)),
		incoming: make(map[string][]schema.FlowEdge),
		outgoing: make(map[string][]schema.FlowEdge),
	}
	for i := range flow.Nodes {
		r.nodes[flow.Nodes[i].ID] = &flow.Nodes[i]
	}
	for _, edge := range flow.Edges {
		if r.nodes[edge.Source] == nil || r.nodes[edge.Target] == nil {
			continue
		}
		r.incoming[edge.Target] = append(r.incoming[edge.Target], edge)
		r.outgoing[edge.Source] = append(r.outgoing[edge.Source], edge)
	}

	ctx = logging.WithFlowID(ctx, req.FlowID)
	f := newFrame(req.Variables)
	if err := r.walk(ctx, order, f); err != nil {
		return nil, err
	}

	out := make(map[string]any)
	for _, id := range order {
		if r.nodes[id].Type == schema.NodeTypeOutput && f.has(id) {
			out[id] = f.scope[id]
		}
	}
	if len(out) == 0 {
		for _, id := range order {
			if len(r.outgoing[id]) == 0 && f.has(id) {
				out[id] = f.scope[id]
			}
		}
	}

	var skipped []string
	for _, id := range order {
		if f.skipped[id] {
			skipped = append(skipped, id)
		}
	}
	e.logger.DebugContext(ctx, "dry run completed", "nodes", len(order), "skipped", len(skipped))
	return &binder.ExecutionResult{
		Output: out,
		Metadata: map[string]any{
			"dry_run": true,
			"order":   order,
			"skipped": skipped,
		},
	}, nil
}

// frame is the variable scope of one walk. Loop iterations get a copy.
type frame struct {
	scope   map[string]any
	skipped map[string]bool
	branch  map[string]bool
}

func newFrame(vars map[string]any) *frame {
	scope := make(map[string]any, len(vars))
	maps.Copy(scope, vars)
	return &frame{scope: scope, skipped: map[string]bool{}, branch: map[string]bool{}}
}

func (f *frame) clone() *frame {
	return &frame{scope: maps.Clone(f.scope), skipped: maps.Clone(f.skipped), branch: maps.Clone(f.branch)}
}

func (f *frame) has(id string) bool {
	_, ok := f.scope[id]
	return ok && !f.skipped[id]
}

type run struct {
	exec     *Executor
	req      binder.ExecutionRequest
	nodes    map[string]*schema.FlowNode
	incoming map[string][]schema.FlowEdge
	outgoing map[string][]schema.FlowEdge
}

func (r *run) walk(ctx context.Context, order []string, f *frame) error {
	done := make(map[string]bool, len(order))
	for _, id := range order {
		if done[id] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n := r.nodes[id]
		if !r.active(id, f) {
			f.skipped[id] = true
			continue
		}

		if fe, ok := n.Data.(*schema.ForEachData); ok {
			body := r.body(id, order)
			if err := r.loop(ctx, n, fe, body, f); err != nil {
				return err
			}
			for _, b := range body {
				done[b] = true
			}
			continue
		}

		out, err := r.evalNode(ctx, n, f)
		if err != nil {
			return err
		}
		f.scope[id] = out
	}
	return nil
}

// active reports whether a node receives control. Roots are always active;
// other nodes need at least one incoming edge from a node that ran and, for
// conditionals, left through the matching branch handle.
func (r *run) active(id string, f *frame) bool {
	in := r.incoming[id]
	if len(in) == 0 {
		return true
	}
	for _, e := range in {
		if f.skipped[e.Source] {
			continue
		}
		if r.nodes[e.Source].Type == schema.NodeTypeConditional {
			taken := f.branch[e.Source]
			if (e.SourceHandle == HandleTrue && !taken) || (e.SourceHandle == HandleFalse && taken) {
				continue
			}
		}
		return true
	}
	return false
}

// input is the output of the first upstream node that ran.
func (r *run) input(id string, f *frame) any {
	for _, e := range r.incoming[id] {
		if f.has(e.Source) {
			return f.scope[e.Source]
		}
	}
	return nil
}

// body returns the nodes reachable from a for-each node, in walk order.
func (r *run) body(id string, order []string) []string {
	reach := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range r.outgoing[cur] {
			if !reach[e.Target] {
				reach[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	var out []string
	for _, o := range order {
		if reach[o] {
			out = append(out, o)
		}
	}
	return out
}

func (r *run) evalNode(ctx context.Context, n *schema.FlowNode, f *frame) (any, error) {
	ctx = logging.WithNodeID(ctx, n.ID)
	switch d := n.Data.(type) {
	case *schema.VariableData:
		v, ok := f.scope[d.Name]
		if !ok {
			v = d.DefaultValue
		}
		return v, nil

	case *schema.PromptData:
		return r.render(ctx, n.ID, d.Content, f), nil

	case *schema.TemplateData:
		return r.render(ctx, n.ID, d.Content, f), nil

	case *schema.LLMCallData:
		return r.render(ctx, n.ID, d.Prompt, f), nil

	case *schema.ConditionalData:
		ok, err := expressions.EvaluateCondition(ctx, r.exec.exprEng, d.Condition, f.scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "conditional %s: %s", n.ID, err.Error()).
				WithNode(n.ID).WithCause(err)
		}
		f.branch[n.ID] = ok
		r.emit(ctx, n.ID, schema.EventConditionEvaluated, map[string]any{"result": ok})
		return ok, nil

	case *schema.TransformData:
		out, err := r.transform(ctx, n.ID, d, r.input(n.ID, f), f)
		if err != nil {
			return nil, err
		}
		r.emit(ctx, n.ID, schema.EventNodeRendered, map[string]any{"output": out})
		return out, nil

	case *schema.OutputData:
		if strings.TrimSpace(d.Template) == "" {
			out := r.input(n.ID, f)
			r.emit(ctx, n.ID, schema.EventNodeRendered, map[string]any{"output": out})
			return out, nil
		}
		return r.render(ctx, n.ID, d.Template, f), nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "node %s has no data", n.ID).WithNode(n.ID)
	}
}

func (r *run) render(ctx context.Context, nodeID, text string, f *frame) string {
	out, missing := expressions.Interpolate(text, f.scope)
	if len(missing) > 0 {
		r.exec.logger.DebugContext(ctx, "unbound placeholders rendered empty", "missing", missing)
	}
	r.emit(ctx, nodeID, schema.EventNodeRendered, map[string]any{"output": out})
	return out
}

func (r *run) transform(ctx context.Context, nodeID string, d *schema.TransformData, in any, f *frame) (any, error) {
	wrap := func(err error) error {
		return schema.NewErrorf(schema.ErrCodeExecution, "transform %s: %s", nodeID, err.Error()).
			WithNode(nodeID).WithCause(err)
	}

	switch d.TransformType {
	case schema.TransformFormat:
		tmpl := d.Code
		if t, ok := d.Parameters["template"].(string); ok && t != "" {
			tmpl = t
		}
		if tmpl == "" {
			return expressions.FormatValue(in), nil
		}
		scope := maps.Clone(f.scope)
		scope["input"] = in
		out, _ := expressions.Interpolate(tmpl, scope)
		return out, nil

	case schema.TransformSplit:
		sep := ","
		if s, ok := d.Parameters["separator"].(string); ok && s != "" {
			sep = s
		}
		var items []any
		for part := range strings.SplitSeq(expressions.FormatValue(in), sep) {
			if p := strings.TrimSpace(part); p != "" {
				items = append(items, p)
			}
		}
		if items == nil {
			items = []any{}
		}
		return items, nil

	case schema.TransformCustom:
		env := maps.Clone(f.scope)
		env["input"] = in
		out, err := r.exec.exprEng.Evaluate(ctx, d.Code, env)
		if err != nil {
			return nil, wrap(err)
		}
		return out, nil

	case schema.TransformJQ:
		out, err := r.exec.jqEng.Run(ctx, d.Code, jsonInput(in))
		if err != nil {
			return nil, wrap(err)
		}
		return out, nil

	default:
		return in, nil
	}
}

// jsonInput decodes text holding JSON so jq programs see structured data.
func jsonInput(in any) any {
	s, ok := in.(string)
	if !ok {
		return in
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func (r *run) loop(ctx context.Context, n *schema.FlowNode, d *schema.ForEachData, body []string, f *frame) error {
	ctx = logging.WithNodeID(ctx, n.ID)
	source, ok := f.scope[d.SourceVariable]
	if !ok || d.SourceVariable == "" {
		source = r.input(n.ID, f)
	}
	items, err := iterate.Items(source)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "for-each %s: %s", n.ID, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	itemVar := d.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}

	frames := make([]*frame, len(items))
	results, err := iterate.Run(ctx, d.IterationMode, items, func(ctx context.Context, i int, item any) (any, error) {
		item = project(item, d.ItemProperties)
		local := f.clone()
		local.scope[itemVar] = item
		local.scope["index"] = i
		local.scope[n.ID] = item
		if err := r.walk(ctx, body, local); err != nil {
			return nil, err
		}
		frames[i] = local
		r.emit(ctx, n.ID, schema.EventLoopIterCompleted, map[string]any{"iteration": i, "item": item})
		if len(body) == 0 {
			return item, nil
		}
		last := body[len(body)-1]
		if !local.has(last) {
			return nil, nil
		}
		return local.scope[last], nil
	}, iterate.WithLimit(r.exec.parallelLimit))
	if err != nil {
		return err
	}

	f.scope[n.ID] = results
	for _, b := range body {
		per := make([]any, len(items))
		ran := false
		for i, lf := range frames {
			if lf.has(b) {
				per[i] = lf.scope[b]
				ran = true
			}
		}
		if ran {
			f.scope[b] = per
		} else {
			f.skipped[b] = true
		}
	}
	return nil
}

// project keeps only the listed properties of a map item.
func project(item any, props []string) any {
	m, ok := item.(map[string]any)
	if !ok || len(props) == 0 {
		return item
	}
	out := make(map[string]any, len(props))
	for _, p := range props {
		if v, ok := m[p]; ok {
			out[p] = v
		}
	}
	return out
}

// emit records a node event. Both sinks are best effort.
func (r *run) emit(ctx context.Context, nodeID, eventType string, payload any) {
	e := r.exec
	if e.appender != nil && r.req.ExecutionID != "" {
		raw, err := json.Marshal(payload)
		if err != nil {
			e.logger.WarnContext(ctx, "encode node event", "event", eventType, "error", err)
		}
		ev := &store.Event{
			ExecutionID: r.req.ExecutionID,
			FlowID:      r.req.FlowID,
			NodeID:      nodeID,
			Type:        eventType,
			Payload:     raw,
		}
		if err := e.appender.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
			e.logger.WarnContext(ctx, "append node event", "event", eventType, "error", err)
		}
	}
	if e.hub != nil {
		ev := streaming.StreamEvent{FlowID: r.req.FlowID, NodeID: nodeID, EventType: eventType, Payload: payload}
		if err := e.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
			e.logger.DebugContext(ctx, "publish node event", "event", eventType, "error", err)
		}
	}
}
