package vectorfs

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/metrics"
	"github.com/shinkailabs/shinkai-node/pkg/shinkerr"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
)

const (
	cfNodes     = "vectorfs_nodes"
	cfResources = "vectorfs_resources"
)

// profileState is one profile's tree, held fully in memory and written
// through to the KV store on every mutation.
type profileState struct {
	profile                  string
	owner                    shinkiname.ShinkaiName
	nodes                    map[string]*node
	permissions              *PermissionsIndex
	lastReadIndex            map[string]time.Time
	supportedEmbeddingModels []string
	defaultEmbeddingModel    string
}

// VectorFS holds every profile's state for this node.
type VectorFS struct {
	store    kvstore.Store
	logger   zerolog.Logger
	mu       sync.RWMutex
	profiles map[string]*profileState
}

// New constructs an empty VectorFS over store. Profiles are created
// lazily via EnsureProfile.
func New(store kvstore.Store, logger zerolog.Logger) *VectorFS {
	return &VectorFS{
		store:    store,
		logger:   logger.With().Str("component", "vectorfs").Logger(),
		profiles: make(map[string]*profileState),
	}
}

func nodeKey(profile, path string) string {
	return profile + "\x00" + path
}

// EnsureProfile loads profile's persisted tree from the KV store,
// creating a fresh root if none exists.
func (vfs *VectorFS) EnsureProfile(profile string, owner shinkiname.ShinkaiName, supportedEmbeddingModels []string, defaultModel string) (*profileState, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if ps, ok := vfs.profiles[profile]; ok {
		return ps, nil
	}

	ps := &profileState{
		profile:                  profile,
		owner:                    owner,
		nodes:                    make(map[string]*node),
		permissions:              newPermissionsIndex(),
		lastReadIndex:            make(map[string]time.Time),
		supportedEmbeddingModels: supportedEmbeddingModels,
		defaultEmbeddingModel:    defaultModel,
	}

	prefix := profile + "\x00"
	rows, err := vfs.store.PrefixScan(cfNodes, prefix)
	if err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "scan vectorfs nodes", err)
	}
	for _, row := range rows {
		var n node
		if err := json.Unmarshal(row.Value, &n); err != nil {
			vfs.logger.Warn().Err(err).Str("key", row.Key).Msg("dropping corrupt vectorfs node")
			continue
		}
		ps.nodes[n.Path.String()] = &n
	}

	if _, ok := ps.nodes[RootPath().String()]; !ok {
		root := &node{
			Kind:                     EntryRoot,
			Path:                     RootPath(),
			CreatedAt:                time.Now().UTC(),
			LastModified:             time.Now().UTC(),
			SupportedEmbeddingModels: supportedEmbeddingModels,
			DefaultEmbeddingModel:    defaultModel,
		}
		ps.nodes[RootPath().String()] = root
		vfs.profiles[profile] = ps
		vfs.recomputeMerkle(ps, RootPath())
	} else {
		vfs.profiles[profile] = ps
	}

	return ps, nil
}

func (vfs *VectorFS) persistNode(profile string, n *node) {
	data, err := json.Marshal(n)
	if err != nil {
		vfs.logger.Error().Err(err).Str("path", n.Path.String()).Msg("failed to marshal vectorfs node")
		return
	}
	if err := vfs.store.Put(cfNodes, nodeKey(profile, n.Path.String()), data); err != nil {
		vfs.logger.Error().Err(err).Str("path", n.Path.String()).Msg("failed to persist vectorfs node")
		return
	}
	metrics.VectorFSMutationsTotal.WithLabelValues(string(n.Kind)).Inc()
}

func (vfs *VectorFS) deleteNode(profile string, path Path) {
	_ = vfs.store.Delete(cfNodes, nodeKey(profile, path.String()))
}

func (vfs *VectorFS) profileState(profile string) (*profileState, error) {
	vfs.mu.RLock()
	defer vfs.mu.RUnlock()
	ps, ok := vfs.profiles[profile]
	if !ok {
		return nil, shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodePathNotFound, fmt.Sprintf("profile %q not initialized", profile))
	}
	return ps, nil
}

// Reader is the sole authorization-checked read capability for a path.
type Reader struct {
	vfs       *VectorFS
	ps        *profileState
	requester shinkiname.ShinkaiName
	path      Path
}

// NewReader constructs a Reader for path if requester holds read
// permission there, recording the access in last_read_index.
func (vfs *VectorFS) NewReader(profile string, requester shinkiname.ShinkaiName, path Path) (*Reader, error) {
	ps, err := vfs.profileState(profile)
	if err != nil {
		return nil, err
	}
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if !ps.permissions.CanRead(path, ps.owner, requester) {
		metrics.VectorFSPermissionDenialsTotal.Inc()
		return nil, shinkerr.New(shinkerr.CategoryAuthorization, shinkerr.CodeInvalidReaderPerm, fmt.Sprintf("%s lacks read permission on %s", requester.String(), path.String()))
	}
	if _, ok := ps.nodes[path.String()]; !ok {
		return nil, shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodePathNotFound, path.String())
	}
	ps.lastReadIndex[path.String()] = time.Now().UTC()

	return &Reader{vfs: vfs, ps: ps, requester: requester, path: path}, nil
}

// Entry returns the FSEntry projection of the reader's node.
func (r *Reader) Entry() (FSEntry, error) {
	r.vfs.mu.RLock()
	defer r.vfs.mu.RUnlock()
	n, ok := r.ps.nodes[r.path.String()]
	if !ok {
		return FSEntry{}, shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodePathNotFound, r.path.String())
	}
	return n.toFSEntry(), nil
}

// VectorResource loads the item's payload from the resource store.
func (r *Reader) VectorResource() (*VectorResource, error) {
	entry, err := r.Entry()
	if err != nil {
		return nil, err
	}
	if entry.Kind != EntryItem || entry.VRHeader == nil {
		return nil, shinkerr.New(shinkerr.CategoryInternal, shinkerr.CodeInvariantViolated, "not an item with a vector resource")
	}
	raw, found, err := r.vfs.store.Get(cfResources, entry.VRHeader.ResourceID)
	if err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "load vector resource", err)
	}
	if !found {
		return nil, shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodePathNotFound, entry.VRHeader.ResourceID)
	}
	var vr VectorResource
	if err := json.Unmarshal(raw, &vr); err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryDecode, shinkerr.CodeInvalidSchema, "decode vector resource", err)
	}
	return &vr, nil
}

// loadResourceLocked fetches an item's VectorResource. Caller must hold
// vfs.mu.
func (vfs *VectorFS) loadResourceLocked(n *node) (*VectorResource, bool) {
	if n.Kind != EntryItem || n.VRHeader == nil {
		return nil, false
	}
	raw, found, err := vfs.store.Get(cfResources, n.VRHeader.ResourceID)
	if err != nil || !found {
		return nil, false
	}
	var vr VectorResource
	if err := json.Unmarshal(raw, &vr); err != nil {
		return nil, false
	}
	return &vr, true
}

// Writer is the sole authorization-checked mutation capability for a
// path.
type Writer struct {
	vfs       *VectorFS
	ps        *profileState
	requester shinkiname.ShinkaiName
	path      Path
}

// NewWriter constructs a Writer for path if requester holds write
// permission there.
func (vfs *VectorFS) NewWriter(profile string, requester shinkiname.ShinkaiName, path Path) (*Writer, error) {
	ps, err := vfs.profileState(profile)
	if err != nil {
		return nil, err
	}
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if !ps.permissions.CanWrite(path, ps.owner, requester) {
		metrics.VectorFSPermissionDenialsTotal.Inc()
		return nil, shinkerr.New(shinkerr.CategoryAuthorization, shinkerr.CodeInvalidWriterPerm, fmt.Sprintf("%s lacks write permission on %s", requester.String(), path.String()))
	}
	return &Writer{vfs: vfs, ps: ps, requester: requester, path: path}, nil
}

// CreateFolder creates a child folder under the writer's path.
func (w *Writer) CreateFolder(name string) (Path, error) {
	w.vfs.mu.Lock()
	defer w.vfs.mu.Unlock()

	parent, ok := w.ps.nodes[w.path.String()]
	if !ok || (parent.Kind != EntryRoot && parent.Kind != EntryFolder) {
		return Path{}, shinkerr.New(shinkerr.CategoryInternal, shinkerr.CodeInvariantViolated, "parent is not a folder")
	}
	childPath := w.path.Child(name)
	if _, exists := w.ps.nodes[childPath.String()]; exists {
		return Path{}, shinkerr.New(shinkerr.CategoryInternal, shinkerr.CodeInvariantViolated, "child already exists: "+childPath.String())
	}

	now := time.Now().UTC()
	child := &node{Kind: EntryFolder, Path: childPath, CreatedAt: now, LastModified: now}
	w.ps.nodes[childPath.String()] = child
	parent.Children = append(parent.Children, name)
	parent.LastModified = now

	w.vfs.persistNode(w.ps.profile, parent)
	w.vfs.recomputeMerkle(w.ps, childPath)
	return childPath, nil
}

// SaveItem creates or overwrites an item named name under the writer's
// path, persisting vr to the resource store.
func (w *Writer) SaveItem(name string, vr *VectorResource, sfm *SourceFileMap, sizeBytes int64) (Path, error) {
	w.vfs.mu.Lock()
	defer w.vfs.mu.Unlock()

	parent, ok := w.ps.nodes[w.path.String()]
	if !ok || (parent.Kind != EntryRoot && parent.Kind != EntryFolder) {
		return Path{}, shinkerr.New(shinkerr.CategoryInternal, shinkerr.CodeInvariantViolated, "parent is not a folder")
	}

	data, err := json.Marshal(vr)
	if err != nil {
		return Path{}, shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeCanonEncodeFailed, "marshal vector resource", err)
	}
	if err := w.vfs.store.Put(cfResources, vr.ID, data); err != nil {
		return Path{}, shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "persist vector resource", err)
	}

	childPath := w.path.Child(name)
	now := time.Now().UTC()
	existing, overwrite := w.ps.nodes[childPath.String()]
	item := &node{
		Kind:          EntryItem,
		Path:          childPath,
		CreatedAt:     now,
		LastModified:  now,
		VRHeader:      &VRHeader{ResourceID: vr.ID},
		SourceFileMap: sfm,
		SizeBytes:     sizeBytes,
	}
	if overwrite {
		item.CreatedAt = existing.CreatedAt
	} else {
		parent.Children = append(parent.Children, name)
	}
	w.ps.nodes[childPath.String()] = item
	parent.LastModified = now

	w.vfs.persistNode(w.ps.profile, parent)
	w.vfs.recomputeMerkle(w.ps, childPath)
	return childPath, nil
}

func removeChild(children []string, name string) []string {
	out := children[:0]
	for _, c := range children {
		if c != name {
			out = append(out, c)
		}
	}
	return out
}

// DeleteEntry removes the writer's path and, for folders, everything
// beneath it.
func (w *Writer) DeleteEntry() error {
	w.vfs.mu.Lock()
	defer w.vfs.mu.Unlock()

	if w.path.IsRoot() {
		return shinkerr.New(shinkerr.CategoryInternal, shinkerr.CodeInvariantViolated, "cannot delete root")
	}
	n, ok := w.ps.nodes[w.path.String()]
	if !ok {
		return shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodePathNotFound, w.path.String())
	}

	var walk func(p Path)
	walk = func(p Path) {
		cur := w.ps.nodes[p.String()]
		if cur == nil {
			return
		}
		for _, childName := range append([]string{}, cur.Children...) {
			walk(p.Child(childName))
		}
		delete(w.ps.nodes, p.String())
		w.vfs.deleteNode(w.ps.profile, p)
	}
	walk(w.path)

	parentPath := w.path.Parent()
	if parent, ok := w.ps.nodes[parentPath.String()]; ok {
		parent.Children = removeChild(parent.Children, w.path.Name())
		parent.LastModified = time.Now().UTC()
		w.vfs.persistNode(w.ps.profile, parent)
	}
	_ = n
	w.vfs.recomputeMerkle(w.ps, parentPath)
	return nil
}

// MoveEntry relocates the writer's path to be a child of dstParent under
// the same name.
func (w *Writer) MoveEntry(dstParent Path) error {
	w.vfs.mu.Lock()
	defer w.vfs.mu.Unlock()
	return w.vfs.relocate(w.ps, w.path, dstParent, false)
}

// CopyEntry duplicates the writer's path (and subtree) as a child of
// dstParent.
func (w *Writer) CopyEntry(dstParent Path) error {
	w.vfs.mu.Lock()
	defer w.vfs.mu.Unlock()
	return w.vfs.relocate(w.ps, w.path, dstParent, true)
}

func (vfs *VectorFS) relocate(ps *profileState, src, dstParent Path, copy bool) error {
	srcNode, ok := ps.nodes[src.String()]
	if !ok {
		return shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodePathNotFound, src.String())
	}
	if _, ok := ps.nodes[dstParent.String()]; !ok {
		return shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodePathNotFound, dstParent.String())
	}
	name := srcNode.Path.Name()
	dst := dstParent.Child(name)
	if strings.HasPrefix(dst.String(), src.String()+"/") || dst.Equal(src) {
		return shinkerr.New(shinkerr.CategoryInternal, shinkerr.CodeInvariantViolated, "cannot move a path into its own subtree")
	}

	var walk func(oldPath, newPath Path)
	walk = func(oldPath, newPath Path) {
		old := ps.nodes[oldPath.String()]
		clone := *old
		clone.Path = newPath
		ps.nodes[newPath.String()] = &clone
		vfs.persistNode(ps.profile, &clone)
		if !copy {
			delete(ps.nodes, oldPath.String())
			vfs.deleteNode(ps.profile, oldPath)
		}
		for _, childName := range old.Children {
			walk(oldPath.Child(childName), newPath.Child(childName))
		}
	}
	walk(src, dst)

	if !copy {
		if oldParent, ok := ps.nodes[src.Parent().String()]; ok {
			oldParent.Children = removeChild(oldParent.Children, name)
			vfs.persistNode(ps.profile, oldParent)
		}
	}
	newParent := ps.nodes[dstParent.String()]
	newParent.Children = append(newParent.Children, name)
	newParent.LastModified = time.Now().UTC()
	vfs.persistNode(ps.profile, newParent)

	vfs.recomputeMerkle(ps, dst)
	if !copy {
		vfs.recomputeMerkle(ps, src.Parent())
	}
	return nil
}

// SetPermissions installs an explicit grant at the writer's path.
func (w *Writer) SetPermissions(perm PathPermission) error {
	w.vfs.mu.Lock()
	defer w.vfs.mu.Unlock()
	w.ps.permissions.Set(w.path, perm)
	return nil
}

// SetShareable marks the writer's folder shareable under req.
func (w *Writer) SetShareable(req SubscriptionRequirement) error {
	w.vfs.mu.Lock()
	defer w.vfs.mu.Unlock()
	n, ok := w.ps.nodes[w.path.String()]
	if !ok || n.Kind == EntryItem {
		return shinkerr.New(shinkerr.CategoryInternal, shinkerr.CodeInvariantViolated, "only folders can be shared")
	}
	req.FolderPath = w.path.String()
	n.Shareable = &req
	w.vfs.persistNode(w.ps.profile, n)
	return nil
}

// UpdateShareable replaces the terms of an already-shared folder.
func (w *Writer) UpdateShareable(req SubscriptionRequirement) error {
	return w.SetShareable(req)
}

// Unshare removes the writer's folder from the shareable set.
func (w *Writer) Unshare() error {
	w.vfs.mu.Lock()
	defer w.vfs.mu.Unlock()
	n, ok := w.ps.nodes[w.path.String()]
	if !ok {
		return shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodePathNotFound, w.path.String())
	}
	n.Shareable = nil
	w.vfs.persistNode(w.ps.profile, n)
	return nil
}
