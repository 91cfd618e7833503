package domain

import (
	"slices"
	"sort"
)

type contextKeys struct {
	active   uint
	versions map[uint]*DataKey
}

// KeyRing is an immutable snapshot of every unwrapped data key, grouped by context.
//
// Each context has one active version used for new encryptions and zero or more retired
// versions kept so envelopes written before a rotation stay decryptable. The key store
// replaces the whole ring on rotation instead of mutating it, so readers holding a ring
// never observe a partial update.
type KeyRing struct {
	contexts map[string]*contextKeys
}

// NewKeyRing builds a ring from data keys. The active version of a context is its highest
// non-retired version, or its highest version when every version is retired.
func NewKeyRing(keys []*DataKey) *KeyRing {
	r := &KeyRing{contexts: make(map[string]*contextKeys)}
	for _, k := range keys {
		ck, ok := r.contexts[k.Context]
		if !ok {
			ck = &contextKeys{versions: make(map[uint]*DataKey)}
			r.contexts[k.Context] = ck
		}
		ck.versions[k.Version] = k
	}

	for _, ck := range r.contexts {
		var highest, highestLive uint
		for v, k := range ck.versions {
			highest = max(highest, v)
			if !k.IsRetired() {
				highestLive = max(highestLive, v)
			}
		}
		ck.active = highest
		if highestLive != 0 {
			ck.active = highestLive
		}
	}

	return r
}

// Active returns the data key new encryptions under context must use.
func (r *KeyRing) Active(context string) (*DataKey, bool) {
	ck, ok := r.contexts[context]
	if !ok {
		return nil, false
	}
	k, ok := ck.versions[ck.active]
	return k, ok
}

// Get returns a specific version of a context's data key.
func (r *KeyRing) Get(context string, version uint) (*DataKey, bool) {
	ck, ok := r.contexts[context]
	if !ok {
		return nil, false
	}
	k, ok := ck.versions[version]
	return k, ok
}

// Contexts returns the provisioned context names in lexical order.
func (r *KeyRing) Contexts() []string {
	names := make([]string, 0, len(r.contexts))
	for name := range r.contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Versions returns the versions held for a context in ascending order.
func (r *KeyRing) Versions(context string) []uint {
	ck, ok := r.contexts[context]
	if !ok {
		return nil
	}
	versions := make([]uint, 0, len(ck.versions))
	for v := range ck.versions {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions
}

// Keys returns shallow copies of every data key ordered by context then version.
// The copies share key bytes with the ring; modify metadata only.
func (r *KeyRing) Keys() []*DataKey {
	var keys []*DataKey
	for _, name := range r.Contexts() {
		for _, v := range r.Versions(name) {
			k := *r.contexts[name].versions[v]
			keys = append(keys, &k)
		}
	}
	return keys
}

// Len returns the number of provisioned contexts.
func (r *KeyRing) Len() int {
	return len(r.contexts)
}

// Close zeroes every key in the ring. Rings derived through Keys share key bytes, so only
// the last ring in use may be closed.
func (r *KeyRing) Close() {
	for _, ck := range r.contexts {
		for _, k := range ck.versions {
			Zero(k.Key)
		}
	}
	r.contexts = map[string]*contextKeys{}
}
