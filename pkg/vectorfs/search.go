package vectorfs

import (
	"math"
	"sort"
	"time"

	"github.com/shinkailabs/shinkai-node/pkg/metrics"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
)

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// ScoredItem is one result of VectorSearchFSItem.
type ScoredItem struct {
	Path  Path
	Entry FSEntry
	Score float64
}

// ScoredNode is one result of VectorSearchFSRetrievedNode: a single
// ResourceNode within some item's VectorResource, plus the path it lives
// under.
type ScoredNode struct {
	ItemPath Path
	Node     ResourceNode
	Score    float64
}

// accessibleItems walks the tree from root, skipping any subtree the
// requester cannot read, and returns every item node reached.
func (ps *profileState) accessibleItems(requester shinkiname.ShinkaiName) []*node {
	var out []*node
	var walk func(p Path)
	walk = func(p Path) {
		n, ok := ps.nodes[p.String()]
		if !ok || !ps.permissions.CanRead(p, ps.owner, requester) {
			return
		}
		if n.Kind == EntryItem {
			out = append(out, n)
			return
		}
		for _, childName := range n.Children {
			walk(p.Child(childName))
		}
	}
	walk(RootPath())
	return out
}

// VectorSearchFSItem scores every item's VRHeader-level relevance by
// comparing queryEmbedding against the item's resource-level embedding
// (the average of its nodes) and returns the topK most similar,
// restricted to what requester can read.
func (vfs *VectorFS) VectorSearchFSItem(profile string, requester shinkiname.ShinkaiName, queryEmbedding []float32, topK int) ([]ScoredItem, error) {
	start := time.Now()
	defer func() { metrics.VectorFSSearchDuration.Observe(time.Since(start).Seconds()) }()

	ps, err := vfs.profileState(profile)
	if err != nil {
		return nil, err
	}
	vfs.mu.RLock()
	defer vfs.mu.RUnlock()

	var scored []ScoredItem
	for _, n := range ps.accessibleItems(requester) {
		vr, ok := vfs.loadResourceLocked(n)
		if !ok {
			continue
		}
		scored = append(scored, ScoredItem{
			Path:  n.Path,
			Entry: n.toFSEntry(),
			Score: cosineSimilarity(queryEmbedding, resourceCentroid(vr)),
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// VectorSearchFSRetrievedNode searches inside every accessible item's
// VectorResource and returns the topK most similar individual nodes
// across the whole profile, not just per-item winners.
func (vfs *VectorFS) VectorSearchFSRetrievedNode(profile string, requester shinkiname.ShinkaiName, queryEmbedding []float32, topK int) ([]ScoredNode, error) {
	start := time.Now()
	defer func() { metrics.VectorFSSearchDuration.Observe(time.Since(start).Seconds()) }()

	ps, err := vfs.profileState(profile)
	if err != nil {
		return nil, err
	}
	vfs.mu.RLock()
	defer vfs.mu.RUnlock()

	var scored []ScoredNode
	for _, n := range ps.accessibleItems(requester) {
		vr, ok := vfs.loadResourceLocked(n)
		if !ok {
			continue
		}
		for _, rn := range vr.Nodes {
			scored = append(scored, ScoredNode{
				ItemPath: n.Path,
				Node:     rn,
				Score:    cosineSimilarity(queryEmbedding, rn.Embedding.Vector),
			})
		}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func resourceCentroid(vr *VectorResource) []float32 {
	if len(vr.Nodes) == 0 {
		return nil
	}
	dim := len(vr.Nodes[0].Embedding.Vector)
	centroid := make([]float32, dim)
	for _, rn := range vr.Nodes {
		for i := 0; i < dim && i < len(rn.Embedding.Vector); i++ {
			centroid[i] += rn.Embedding.Vector[i]
		}
	}
	for i := range centroid {
		centroid[i] /= float32(len(vr.Nodes))
	}
	return centroid
}
