package actions

import (
	"context"
	"errors"
)

// MoveRequest asks for a pub to be moved to another stage. ActionRunID and Stack
// attribute the change so stage hooks can continue the automation chain.
type MoveRequest struct {
	PubID       string
	StageID     string
	ActionRunID string
	Stack       []string
}

// PubMover moves pubs between stages.
type PubMover interface {
	MovePub(ctx context.Context, req MoveRequest) error
}

// MoveAction moves the input pub to the configured stage.
type MoveAction struct {
	mover PubMover
}

func NewMoveAction(mover PubMover) *MoveAction {
	return &MoveAction{mover: mover}
}

func (a *MoveAction) Name() string        { return "move" }
func (a *MoveAction) Description() string { return "Move a pub to a different stage" }

func (a *MoveAction) ConfigSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "stage", Kind: KindString, Required: true, Rules: "uuid", Description: "Destination stage id"},
	}}
}

func (a *MoveAction) Run(ctx context.Context, config map[string]interface{}, rc RunContext) (*Result, error) {
	if rc.PubID == "" {
		return Failed("No pub to move", errors.New("move requires a pub as input")), nil
	}
	if a.mover == nil {
		return nil, errors.New("move action has no pub mover")
	}
	stageID, _ := config["stage"].(string)
	err := a.mover.MovePub(ctx, MoveRequest{
		PubID:       rc.PubID,
		StageID:     stageID,
		ActionRunID: rc.ActionRunID,
		Stack:       rc.Stack,
	})
	if err != nil {
		return Failed("Failed to move pub", err), nil
	}
	return Succeeded("Moved pub", map[string]interface{}{"stage": stageID}), nil
}
