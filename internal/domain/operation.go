package domain

import (
	"encoding/json"
	"fmt"
)

// OpKind tags the variant carried by an Operation.
type OpKind int

const (
	OpIndex OpKind = iota + 1
	OpDelete
	OpControl
)

// String returns the bulk action name of the kind.
func (k OpKind) String() string {
	switch k {
	case OpIndex:
		return "index"
	case OpDelete:
		return "delete"
	case OpControl:
		return "control"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ControlKind identifies the pipeline-level action a control operation requests.
type ControlKind string

// ControlDropAndRecreateMapping asks the coordinator to drop and recreate the
// target mapping before submitting the operations that follow it.
const ControlDropAndRecreateMapping ControlKind = "drop_and_recreate_mapping"

// Operation is a single entry of a bulk batch. Exactly one of the variants is
// meaningful, selected by Kind. Control operations never reach the store.
type Operation struct {
	Kind    OpKind         `json:"kind" validate:"required,oneof=1 2 3"`
	ID      string         `json:"id,omitempty" validate:"required_unless=Kind 3"`
	Source  map[string]any `json:"source,omitempty" validate:"required_if=Kind 1"`
	Routing string         `json:"routing,omitempty"`
	Parent  string         `json:"parent,omitempty"`
	Control ControlKind    `json:"control,omitempty" validate:"required_if=Kind 3"`
}

// NewIndexOperation builds an index operation.
func NewIndexOperation(id string, source map[string]any, routing, parent string) Operation {
	return Operation{Kind: OpIndex, ID: id, Source: source, Routing: routing, Parent: parent}
}

// NewDeleteOperation builds a delete operation.
func NewDeleteOperation(id, routing, parent string) Operation {
	return Operation{Kind: OpDelete, ID: id, Routing: routing, Parent: parent}
}

// NewControlOperation builds an in-band control operation.
func NewControlOperation(kind ControlKind) Operation {
	return Operation{Kind: OpControl, Control: kind}
}

// IsControl reports whether the operation is a control sentinel.
func (o Operation) IsControl() bool {
	return o.Kind == OpControl
}

// EffectiveRouting returns the routing value sent to the store. Child
// documents without explicit routing are routed by their parent.
func (o Operation) EffectiveRouting() string {
	if o.Routing != "" {
		return o.Routing
	}
	return o.Parent
}

// actionOverhead approximates the size of the bulk action line.
const actionOverhead = 64

// EstimatedSize approximates the number of bytes the operation contributes to
// a bulk request body.
func (o Operation) EstimatedSize() int {
	n := actionOverhead + len(o.ID) + len(o.Routing) + len(o.Parent)
	if o.Source != nil {
		if data, err := json.Marshal(o.Source); err == nil {
			n += len(data)
		}
	}
	return n
}

// Batch is an ordered sequence of operations drained from a queue.
type Batch []Operation

// LastControl returns the position of the last control operation, or -1.
func (b Batch) LastControl() int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i].IsControl() {
			return i
		}
	}
	return -1
}

// CountControl returns how many control operations the batch holds.
func (b Batch) CountControl() int {
	n := 0
	for _, op := range b {
		if op.IsControl() {
			n++
		}
	}
	return n
}

// TruncateThroughLastControl discards every operation up to and including the
// last control operation. The returned batch never contains a control
// operation. The boolean reports whether a control operation was found.
func (b Batch) TruncateThroughLastControl() (Batch, bool) {
	last := b.LastControl()
	if last < 0 {
		return b, false
	}
	rest := make(Batch, len(b)-last-1)
	copy(rest, b[last+1:])
	return rest, true
}
