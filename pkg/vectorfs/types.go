// Package vectorfs implements C4: the hierarchical, content-addressed,
// permission-gated vector filesystem each profile owns.
package vectorfs

import (
	"strings"
	"time"
)

// Path is a value-typed, /-separated list of name segments. Equality is
// structural, not pointer identity.
type Path struct {
	Segments []string
}

// RootPath is the empty path, denoting the profile's root resource.
func RootPath() Path { return Path{} }

// ParsePath splits a "/"-separated string into a Path. A leading "/" is
// tolerated and ignored.
func ParsePath(s string) Path {
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return RootPath()
	}
	return Path{Segments: strings.Split(s, "/")}
}

// String renders the canonical "/"-joined form.
func (p Path) String() string { return strings.Join(p.Segments, "/") }

// IsRoot reports whether p addresses the profile root.
func (p Path) IsRoot() bool { return len(p.Segments) == 0 }

// Parent returns p's parent path. Calling Parent on the root returns the
// root itself.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return p
	}
	return Path{Segments: append([]string{}, p.Segments[:len(p.Segments)-1]...)}
}

// Name returns the final segment, or "" for the root.
func (p Path) Name() string {
	if p.IsRoot() {
		return ""
	}
	return p.Segments[len(p.Segments)-1]
}

// Child returns a new Path with name appended.
func (p Path) Child(name string) Path {
	return Path{Segments: append(append([]string{}, p.Segments...), name)}
}

// Equal reports structural equality.
func (p Path) Equal(other Path) bool {
	return p.String() == other.String()
}

// Ancestors returns p's ancestor paths from the immediate parent up to
// (and including) the root, nearest first.
func (p Path) Ancestors() []Path {
	var out []Path
	cur := p
	for !cur.IsRoot() {
		cur = cur.Parent()
		out = append(out, cur)
	}
	return out
}

// Embedding is a named vector; cosine similarity is the only score.
type Embedding struct {
	ID     string
	Vector []float32
}

// EntryKind discriminates the FSEntry union.
type EntryKind string

const (
	EntryRoot   EntryKind = "root"
	EntryFolder EntryKind = "folder"
	EntryItem   EntryKind = "item"
)

// VRHeader points at a VectorResource stored separately in the KV store.
type VRHeader struct {
	ResourceID string
}

// SourceFileMap records where an item's content originated.
type SourceFileMap struct {
	FileName string
	MimeType string
}

// node is the internal representation of one FSEntry, whatever its kind.
// Folders carry no back-pointers; ancestor walks reconstruct from Path.
type node struct {
	Kind     EntryKind
	Path     Path
	Children []string // child names, folder/root only

	CreatedAt    time.Time
	LastModified time.Time
	LastRead     time.Time

	// Item-only fields.
	VRHeader      *VRHeader
	SourceFileMap *SourceFileMap
	SizeBytes     int64

	// Root-only fields.
	SupportedEmbeddingModels []string
	DefaultEmbeddingModel    string

	MerkleHash [32]byte

	// Shareable, non-nil when this folder has been marked
	// shareable via SetShareable.
	Shareable *SubscriptionRequirement
}

// SubscriptionRequirement is the node metadata attached to a shareable
// folder.
type SubscriptionRequirement struct {
	FolderPath   string
	PaymentTerms string
}

// FSEntry is the read-side projection of a node: Root | Folder | Item.
type FSEntry struct {
	Kind          EntryKind
	Path          Path
	Children      []string
	CreatedAt     time.Time
	LastModified  time.Time
	LastRead      time.Time
	VRHeader      *VRHeader
	SourceFileMap *SourceFileMap
	SizeBytes     int64
	MerkleRoot    [32]byte
	Shareable     *SubscriptionRequirement
}

func (n *node) toFSEntry() FSEntry {
	return FSEntry{
		Kind:          n.Kind,
		Path:          n.Path,
		Children:      append([]string{}, n.Children...),
		CreatedAt:     n.CreatedAt,
		LastModified:  n.LastModified,
		LastRead:      n.LastRead,
		VRHeader:      n.VRHeader,
		SourceFileMap: n.SourceFileMap,
		SizeBytes:     n.SizeBytes,
		MerkleRoot:    n.MerkleHash,
		Shareable:     n.Shareable,
	}
}

// VectorResource is a content-addressed tree of text nodes with
// embeddings, the payload an Item's VRHeader points to.
type VectorResource struct {
	ID    string
	Nodes []ResourceNode
}

// ResourceNode is one leaf of a VectorResource: text content plus its
// embedding.
type ResourceNode struct {
	Text      string
	Embedding Embedding
}
