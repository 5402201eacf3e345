package blocks

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/bytedance/sonic"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidBlockID indicates that a block identifier is empty or exceeds storage bounds.
	ErrInvalidBlockID = errors.New("blocks: invalid block id")
	// ErrInvalidContent indicates that a block payload is not a JSON document.
	ErrInvalidContent = errors.New("blocks: invalid content")
)

// BlockID identifies a block within its page. The editor assigns it and it never changes.
type BlockID string

// NewBlockID validates raw input and returns a BlockID.
func NewBlockID(rawInput string) (BlockID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBlockID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBlockID, maxIdentifierLength)
	}
	return BlockID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BlockID) String() string {
	return string(id)
}

// Content is the opaque JSON payload of a block. It is transmitted verbatim and only
// ever inspected for equality.
type Content []byte

// NewContent validates that raw is a single JSON value and returns an owned copy.
func NewContent(raw []byte) (Content, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if !sonic.Valid(raw) {
		return nil, fmt.Errorf("%w: not json", ErrInvalidContent)
	}
	return Content(slices.Clone(raw)), nil
}

// MarshalJSON emits the payload as-is.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	return c, nil
}

// UnmarshalJSON keeps a copy of the raw payload.
func (c *Content) UnmarshalJSON(data []byte) error {
	if c == nil {
		return fmt.Errorf("%w: nil receiver", ErrInvalidContent)
	}
	*c = append((*c)[0:0], data...)
	return nil
}

// String returns the payload text.
func (c Content) String() string {
	return string(c)
}

// Mapping is the full set of a page's blocks keyed by block identifier.
type Mapping map[BlockID]Content

// Clone returns a deep copy of the mapping. A nil mapping clones to an empty one.
func (m Mapping) Clone() Mapping {
	cloned := make(Mapping, len(m))
	for id, content := range m {
		cloned[id] = slices.Clone(content)
	}
	return cloned
}

// IDs returns the block identifiers in ascending order.
func (m Mapping) IDs() []BlockID {
	return slices.Sorted(maps.Keys(m))
}

// Equal reports whether both mappings hold the same ids with structurally equal content.
func (m Mapping) Equal(other Mapping) bool {
	if len(m) != len(other) {
		return false
	}
	for id, content := range m {
		otherContent, ok := other[id]
		if !ok || !ContentEqual(content, otherContent) {
			return false
		}
	}
	return true
}
