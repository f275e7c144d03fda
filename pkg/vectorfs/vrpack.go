package vectorfs

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/shinkailabs/shinkai-node/pkg/metrics"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
)

// VRPackVersion identifies the encoding scheme of a VRPack.
type VRPackVersion string

const VRPackV1 VRPackVersion = "V1"

// vrKai is one item's serialized payload within a pack: its node
// metadata plus the VectorResource it points to, so a pack is
// self-contained and replayable on a remote profile.
type vrKai struct {
	RelativePath  string         `json:"relativePath"`
	SourceFileMap *SourceFileMap `json:"sourceFileMap,omitempty"`
	Resource      VectorResource `json:"resource"`
}

// VRPack is the shareable-folder export format: a folder subtree plus
// every item's VectorResource, base64-framed for transport.
type VRPack struct {
	Version          VRPackVersion `json:"version"`
	RootPath         string        `json:"rootPath"`
	MerkleRoot       string        `json:"merkleRoot"`
	VRKaiCount       int           `json:"vrkaiCount"`
	FolderCount      int           `json:"folderCount"`
	EmbeddingModels  []string      `json:"embeddingModels"`
	EncodedItemsB64  string        `json:"encodedItems"`
}

// BuildVRPack walks the subtree rooted at path (read-permission checked
// at every node) and packs it for export.
func (vfs *VectorFS) BuildVRPack(profile string, requester shinkiname.ShinkaiName, root Path) (*VRPack, error) {
	ps, err := vfs.profileState(profile)
	if err != nil {
		return nil, err
	}
	vfs.mu.RLock()
	defer vfs.mu.RUnlock()

	rootNode, ok := ps.nodes[root.String()]
	if !ok {
		return nil, pathNotFound(root)
	}
	if !ps.permissions.CanRead(root, ps.owner, requester) {
		metrics.VectorFSPermissionDenialsTotal.Inc()
		return nil, permissionDenied(requester, root)
	}

	var kais []vrKai
	folderCount := 0
	var walk func(p Path)
	walk = func(p Path) {
		n, ok := ps.nodes[p.String()]
		if !ok || !ps.permissions.CanRead(p, ps.owner, requester) {
			return
		}
		switch n.Kind {
		case EntryFolder, EntryRoot:
			folderCount++
			for _, childName := range n.Children {
				walk(p.Child(childName))
			}
		case EntryItem:
			vr, ok := vfs.loadResourceLocked(n)
			if !ok {
				return
			}
			rel := p.String()
			if len(rel) >= len(root.String()) {
				rel = rel[len(root.String()):]
			}
			kais = append(kais, vrKai{RelativePath: rel, SourceFileMap: n.SourceFileMap, Resource: *vr})
		}
	}
	walk(root)

	raw, err := json.Marshal(kais)
	if err != nil {
		return nil, err
	}

	pack := &VRPack{
		Version:         VRPackV1,
		RootPath:        root.String(),
		MerkleRoot:      hex.EncodeToString(rootNode.MerkleHash[:]),
		VRKaiCount:      len(kais),
		FolderCount:     folderCount,
		EmbeddingModels: ps.supportedEmbeddingModels,
		EncodedItemsB64: base64.StdEncoding.EncodeToString(raw),
	}
	metrics.VRPacksSentTotal.Inc()
	return pack, nil
}

// ApplyVRPack writes every item in pack under dstParent in the named
// profile, creating intermediate folders as needed. Used on the
// subscriber side to materialize a delta sync.
func (vfs *VectorFS) ApplyVRPack(profile string, requester shinkiname.ShinkaiName, pack *VRPack, dstParent Path) error {
	raw, err := base64.StdEncoding.DecodeString(pack.EncodedItemsB64)
	if err != nil {
		return err
	}
	var kais []vrKai
	if err := json.Unmarshal(raw, &kais); err != nil {
		return err
	}

	for _, kai := range kais {
		segs := splitNonEmpty(kai.RelativePath)
		parent := dstParent
		for i := 0; i < len(segs)-1; i++ {
			w, err := vfs.NewWriter(profile, requester, parent)
			if err != nil {
				return err
			}
			next := parent.Child(segs[i])
			ps, _ := vfs.profileState(profile)
			vfs.mu.RLock()
			_, exists := ps.nodes[next.String()]
			vfs.mu.RUnlock()
			if !exists {
				if _, err := w.CreateFolder(segs[i]); err != nil {
					return err
				}
			}
			parent = next
		}
		w, err := vfs.NewWriter(profile, requester, parent)
		if err != nil {
			return err
		}
		name := kai.RelativePath
		if len(segs) > 0 {
			name = segs[len(segs)-1]
		}
		resource := kai.Resource
		if _, err := w.SaveItem(name, &resource, kai.SourceFileMap, 0); err != nil {
			return err
		}
	}
	return nil
}

func splitNonEmpty(p string) []string {
	var out []string
	cur := ""
	for _, r := range p {
		if r == '/' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

