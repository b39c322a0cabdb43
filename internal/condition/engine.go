package condition

import (
	"context"
	"fmt"
	"sync"

	"pubflow/internal/expr"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Evaluation is the result of one node. Failing blocks keep the evaluations of
// the children that explain the failure.
type Evaluation struct {
	Kind       string       `json:"kind"`
	ID         string       `json:"id,omitempty"`
	BlockType  BlockType    `json:"blockType,omitempty"`
	Expression string       `json:"expression,omitempty"`
	Passed     bool         `json:"passed"`
	Value      interface{}  `json:"value,omitempty"`
	Error      string       `json:"error,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Operands   []Operand    `json:"operands,omitempty"`
	Children   []Evaluation `json:"children,omitempty"`
}

// Operand is one side of a failing comparison leaf.
type Operand struct {
	Expression string      `json:"expression"`
	Value      interface{} `json:"value,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Result is the verdict for a whole tree.
type Result struct {
	Passed   bool        `json:"passed"`
	Errored  bool        `json:"errored,omitempty"`
	Failure  *Evaluation `json:"failureReason,omitempty"`
	Messages []string    `json:"flatMessages,omitempty"`
}

// Engine evaluates condition trees.
type Engine struct {
	evaluator expr.Evaluator
	tracer    trace.Tracer
}

// NewEngine creates an engine backed by ev.
func NewEngine(ev expr.Evaluator) *Engine {
	return &Engine{evaluator: ev, tracer: otel.Tracer("pubflow.condition")}
}

// Evaluate runs every leaf of the tree concurrently, then folds the results
// bottom-up. All leaves are evaluated even when a short-circuit would decide the
// verdict, so a failing block reports every reason it failed.
// A nil block passes.
func (e *Engine) Evaluate(ctx context.Context, block *Block, data interface{}) Result {
	if block == nil {
		return Result{Passed: true}
	}
	ctx, span := e.tracer.Start(ctx, "condition.evaluate")
	defer span.End()

	input, err := expr.Normalize(data)
	if err != nil {
		failure := &Evaluation{Kind: KindBlock, BlockType: block.Type, Reason: fmt.Sprintf("invalid evaluation context: %v", err)}
		span.RecordError(err)
		return Result{Errored: true, Failure: failure, Messages: Flatten(failure)}
	}

	leaves := collectLeaves(block, nil)
	span.SetAttributes(attribute.Int("condition.leaves", len(leaves)))

	results := make(map[*Condition]*Evaluation, len(leaves))
	slots := make([]Evaluation, len(leaves))
	var wg sync.WaitGroup
	for i, leaf := range leaves {
		results[leaf] = &slots[i]
		wg.Add(1)
		go func(i int, leaf *Condition) {
			defer wg.Done()
			slots[i] = e.evaluateLeaf(ctx, leaf, input)
		}(i, leaf)
	}
	wg.Wait()

	var errored []Evaluation
	for _, s := range slots {
		if s.Error != "" {
			errored = append(errored, s)
		}
	}
	if len(errored) > 0 {
		failure := &Evaluation{
			Kind:      KindBlock,
			ID:        block.ID,
			BlockType: block.Type,
			Reason:    "one or more expressions failed to evaluate",
			Children:  errored,
		}
		span.SetStatus(codes.Error, "expression error")
		return Result{Errored: true, Failure: failure, Messages: Flatten(failure)}
	}

	root := fold(block, results)
	span.SetAttributes(attribute.Bool("condition.passed", root.Passed))
	if root.Passed {
		return Result{Passed: true}
	}
	e.explain(ctx, &root, input)
	return Result{Failure: &root, Messages: Flatten(&root)}
}

func (e *Engine) evaluateLeaf(ctx context.Context, c *Condition, data interface{}) Evaluation {
	ev := Evaluation{Kind: KindCondition, ID: c.ID, Expression: c.Expression}
	if c.Type != TypeJSONata {
		ev.Reason = fmt.Sprintf("unsupported condition type %q", c.Type)
		return ev
	}
	v, err := e.evaluator.Evaluate(ctx, c.Expression, data)
	if err != nil {
		ev.Error = err.Error()
		return ev
	}
	ev.Value = v
	ev.Passed = expr.Truthy(v)
	return ev
}

// collectLeaves flattens the tree, skipping malformed NOT blocks which fail
// without evaluating their items.
func collectLeaves(b *Block, acc []*Condition) []*Condition {
	if b.Type == BlockNot && len(b.Items) != 1 {
		return acc
	}
	for _, item := range b.Items {
		switch {
		case item.Condition != nil:
			acc = append(acc, item.Condition)
		case item.Block != nil:
			acc = collectLeaves(item.Block, acc)
		}
	}
	return acc
}

func fold(b *Block, leaves map[*Condition]*Evaluation) Evaluation {
	out := Evaluation{Kind: KindBlock, ID: b.ID, BlockType: b.Type}
	switch b.Type {
	case BlockAnd:
		out.Passed = true
		for _, item := range b.Items {
			child := foldItem(item, leaves)
			if !child.Passed {
				out.Passed = false
				out.Children = append(out.Children, child)
			}
		}
	case BlockOr:
		if len(b.Items) == 0 {
			out.Passed = true
			return out
		}
		children := make([]Evaluation, 0, len(b.Items))
		for _, item := range b.Items {
			child := foldItem(item, leaves)
			if child.Passed {
				out.Passed = true
			}
			children = append(children, child)
		}
		if !out.Passed {
			out.Children = children
		}
	case BlockNot:
		if len(b.Items) != 1 {
			out.Reason = fmt.Sprintf("NOT block must contain exactly one item, found %d", len(b.Items))
			return out
		}
		child := foldItem(b.Items[0], leaves)
		out.Passed = !child.Passed
		if child.Passed {
			out.Children = []Evaluation{child}
		}
	default:
		out.Reason = fmt.Sprintf("unknown block type %q", b.Type)
	}
	return out
}

func foldItem(item Item, leaves map[*Condition]*Evaluation) Evaluation {
	switch {
	case item.Condition != nil:
		if ev, ok := leaves[item.Condition]; ok {
			return *ev
		}
		return Evaluation{Kind: KindCondition, ID: item.Condition.ID, Expression: item.Condition.Expression, Reason: "not evaluated"}
	case item.Block != nil:
		return fold(item.Block, leaves)
	}
	return Evaluation{Kind: KindBlock, Reason: "empty item"}
}
