package blocks

import "slices"

// OperationKind enumerates the write operations a reconciliation may emit.
type OperationKind string

const (
	// OperationCreate writes a block id that the remote store does not hold yet.
	OperationCreate OperationKind = "create"
	// OperationUpdate overwrites a block whose content changed.
	OperationUpdate OperationKind = "update"
	// OperationDelete removes a block that disappeared from the local mapping.
	OperationDelete OperationKind = "delete"
)

// Operation is one entry of a write batch.
type Operation struct {
	Kind    OperationKind `json:"kind"`
	BlockID BlockID       `json:"block_id"`
	Content Content       `json:"content,omitempty"`
}

// OperationCounts tallies a batch by kind.
type OperationCounts struct {
	Creates int
	Updates int
	Deletes int
}

// Total returns the number of operations counted.
func (c OperationCounts) Total() int {
	return c.Creates + c.Updates + c.Deletes
}

// CountOperations tallies ops by kind.
func CountOperations(ops []Operation) OperationCounts {
	var counts OperationCounts
	for _, op := range ops {
		switch op.Kind {
		case OperationCreate:
			counts.Creates++
		case OperationUpdate:
			counts.Updates++
		case OperationDelete:
			counts.Deletes++
		}
	}
	return counts
}

// Reconcile computes the minimal batch that turns remote into local.
//
// Every local block missing from remote yields a create, every local block whose
// content differs from its remote counterpart yields an update, and every remote block
// absent from local yields a delete. Unchanged blocks yield nothing, so reconciling a
// mapping against itself returns an empty batch. Creates and updates come first in
// ascending id order, deletes follow in ascending id order.
func Reconcile(remote, local Mapping) []Operation {
	ops := make([]Operation, 0)
	for _, id := range local.IDs() {
		content := local[id]
		existing, found := remote[id]
		switch {
		case !found:
			ops = append(ops, Operation{Kind: OperationCreate, BlockID: id, Content: slices.Clone(content)})
		case !ContentEqual(existing, content):
			ops = append(ops, Operation{Kind: OperationUpdate, BlockID: id, Content: slices.Clone(content)})
		}
	}
	for _, id := range remote.IDs() {
		if _, kept := local[id]; !kept {
			ops = append(ops, Operation{Kind: OperationDelete, BlockID: id})
		}
	}
	return ops
}

// Apply returns base with ops applied. base is left untouched.
func Apply(base Mapping, ops []Operation) Mapping {
	result := base.Clone()
	for _, op := range ops {
		switch op.Kind {
		case OperationCreate, OperationUpdate:
			result[op.BlockID] = slices.Clone(op.Content)
		case OperationDelete:
			delete(result, op.BlockID)
		}
	}
	return result
}
