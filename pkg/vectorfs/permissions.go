package vectorfs

import "github.com/shinkailabs/shinkai-node/pkg/shinkiname"

// PermLevel orders from least to most permissive; a path's effective
// permission is the nearest ancestor (self first) that has an explicit
// entry, defaulting to PermPrivate.
type PermLevel int

const (
	PermPrivate PermLevel = iota
	PermWhitelist
	PermNodeProfiles
	PermPublic
)

// PathPermission is the explicit grant recorded at one path. Whitelist
// grants name individual profiles; the other levels ignore Whitelist.
type PathPermission struct {
	Read      PermLevel
	Write     PermLevel
	Whitelist map[string]PermLevel // ShinkaiName.String() -> level, read-side only
}

// PermissionsIndex is the per-profile map from path string to its
// explicit grant. Paths with no entry inherit from the nearest ancestor.
type PermissionsIndex struct {
	entries map[string]*PathPermission
}

func newPermissionsIndex() *PermissionsIndex {
	return &PermissionsIndex{entries: make(map[string]*PathPermission)}
}

// Set installs or replaces the explicit grant at path.
func (idx *PermissionsIndex) Set(path Path, perm PathPermission) {
	idx.entries[path.String()] = &perm
}

// Remove deletes path's explicit grant, falling back to inheritance.
func (idx *PermissionsIndex) Remove(path Path) {
	delete(idx.entries, path.String())
}

// resolve walks path then its ancestors up to the root looking for the
// nearest explicit grant, defaulting to all-Private.
func (idx *PermissionsIndex) resolve(path Path) PathPermission {
	if p, ok := idx.entries[path.String()]; ok {
		return *p
	}
	for _, anc := range path.Ancestors() {
		if p, ok := idx.entries[anc.String()]; ok {
			return *p
		}
	}
	return PathPermission{Read: PermPrivate, Write: PermPrivate}
}

// CanRead reports whether requester may read path. owner is the profile
// that owns this VectorFS; the owner can always read/write its own tree.
func (idx *PermissionsIndex) CanRead(path Path, owner, requester shinkiname.ShinkaiName) bool {
	if requester.Equal(owner) {
		return true
	}
	perm := idx.resolve(path)
	switch perm.Read {
	case PermPublic, PermNodeProfiles:
		return true
	case PermWhitelist:
		lvl, ok := perm.Whitelist[requester.String()]
		return ok && lvl != PermPrivate
	default:
		return false
	}
}

// CanWrite reports whether requester may mutate path.
func (idx *PermissionsIndex) CanWrite(path Path, owner, requester shinkiname.ShinkaiName) bool {
	if requester.Equal(owner) {
		return true
	}
	perm := idx.resolve(path)
	switch perm.Write {
	case PermPublic, PermNodeProfiles:
		return true
	case PermWhitelist:
		lvl, ok := perm.Whitelist[requester.String()]
		return ok && lvl == PermWhitelist
	default:
		return false
	}
}
