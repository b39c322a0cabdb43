// Package condition evaluates AND/OR/NOT condition trees whose leaves are
// JSONata expressions, producing a verdict plus a failure explanation.
package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BlockType combines the results of a block's items.
type BlockType string

const (
	BlockAnd BlockType = "AND"
	BlockOr  BlockType = "OR"
	BlockNot BlockType = "NOT"
)

const (
	// KindCondition marks a leaf item in the wire format.
	KindCondition = "condition"
	// KindBlock marks a nested block; blocks without a kind are accepted too.
	KindBlock = "block"

	// TypeJSONata is the only leaf type that is evaluated; other types fail.
	TypeJSONata = "jsonata"
)

// Block is a node of the condition tree.
type Block struct {
	ID    string    `json:"id,omitempty"`
	Kind  string    `json:"kind,omitempty"`
	Type  BlockType `json:"type"`
	Items []Item    `json:"items"`
}

// Condition is a leaf expression.
type Condition struct {
	ID         string `json:"id,omitempty"`
	Kind       string `json:"kind"`
	Type       string `json:"type"`
	Expression string `json:"expression"`
}

// Item is either a nested Block or a Condition leaf; exactly one is set.
type Item struct {
	Block     *Block
	Condition *Condition
}

// MarshalJSON writes the item in the wire format.
func (i Item) MarshalJSON() ([]byte, error) {
	if i.Condition != nil {
		c := *i.Condition
		c.Kind = KindCondition
		return json.Marshal(c)
	}
	if i.Block != nil {
		return json.Marshal(i.Block)
	}
	return []byte("null"), nil
}

// UnmarshalJSON decides between leaf and block by the "kind" field.
func (i *Item) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Kind == KindCondition {
		var c Condition
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		i.Condition = &c
		return nil
	}
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	i.Block = &b
	return nil
}

// Parse decodes a stored condition tree. Empty input and JSON null yield nil.
func Parse(raw []byte) (*Block, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var b Block
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return nil, fmt.Errorf("parse condition block: %w", err)
	}
	return &b, nil
}

// And builds an AND block.
func And(items ...Item) *Block { return &Block{Kind: KindBlock, Type: BlockAnd, Items: items} }

// Or builds an OR block.
func Or(items ...Item) *Block { return &Block{Kind: KindBlock, Type: BlockOr, Items: items} }

// Not builds a NOT block.
func Not(items ...Item) *Block { return &Block{Kind: KindBlock, Type: BlockNot, Items: items} }

// Leaf wraps a JSONata expression as an item.
func Leaf(id, expression string) Item {
	return Item{Condition: &Condition{ID: id, Kind: KindCondition, Type: TypeJSONata, Expression: expression}}
}

// Nested wraps a block as an item.
func Nested(b *Block) Item {
	return Item{Block: b}
}
