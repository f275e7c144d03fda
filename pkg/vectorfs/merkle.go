package vectorfs

import (
	"bytes"
	"sort"
	"time"

	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
)

// contentHash hashes the node's own attributes, excluding its children's
// hashes, which MerkleHash folds in separately.
func contentHash(n *node) [32]byte {
	buf := &bytes.Buffer{}
	buf.WriteString(string(n.Kind))
	buf.WriteString(n.Path.String())
	if n.VRHeader != nil {
		buf.WriteString(n.VRHeader.ResourceID)
	}
	buf.WriteString(n.LastModified.UTC().Format(time.RFC3339Nano))
	return shinkcrypto.Hash(buf.Bytes())
}

// recomputeMerkle recomputes n.MerkleHash bottom-up starting at start and
// walking to the root, so every ancestor's hash reflects the mutation.
func (vfs *VectorFS) recomputeMerkle(ps *profileState, start Path) {
	cur := start
	for {
		n, ok := ps.nodes[cur.String()]
		if !ok {
			return
		}

		var childHashes [][32]byte
		for _, childName := range n.Children {
			if child, ok := ps.nodes[cur.Child(childName).String()]; ok {
				childHashes = append(childHashes, child.MerkleHash)
			}
		}
		sort.Slice(childHashes, func(i, j int) bool {
			return bytes.Compare(childHashes[i][:], childHashes[j][:]) < 0
		})

		n.MerkleHash = shinkcrypto.MerkleHash(contentHash(n), childHashes)
		vfs.persistNode(ps.profile, n)

		if cur.IsRoot() {
			return
		}
		cur = cur.Parent()
	}
}
