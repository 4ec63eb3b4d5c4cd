package xenstored

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Perm uint32

const (
	PermNone  Perm = 0x0
	PermRead  Perm = 0x1
	PermWrite Perm = 0x2
	PermOwner Perm = 0x4
)

// Permission is one entry of a node's ordered rule list. The first entry
// names the owner; after that, first match wins and the owner entry's bits
// are the default for domains with no rule.
type Permission struct {
	Dom  DomainId
	Perm Perm
}

// EncodePermission renders a rule in the wire letter format ("b2", "r1", ...).
func EncodePermission(p Permission) string {
	var letter byte
	switch p.Perm & (PermRead | PermWrite) {
	case PermRead | PermWrite:
		letter = 'b'
	case PermRead:
		letter = 'r'
	case PermWrite:
		letter = 'w'
	default:
		letter = 'n'
	}
	return fmt.Sprintf("%c%d", letter, p.Dom)
}

func ParsePermission(s string) (Permission, error) {
	if len(s) < 2 {
		return Permission{}, Errorf(EINVAL, "bad permission %q", s)
	}
	var perm Perm
	switch s[0] {
	case 'r':
		perm = PermRead
	case 'w':
		perm = PermWrite
	case 'b':
		perm = PermRead | PermWrite
	case 'n':
		perm = PermNone
	default:
		return Permission{}, Errorf(EINVAL, "bad permission letter %q", s)
	}
	var dom DomainId
	if _, err := fmt.Sscanf(s[1:], "%d", &dom); err != nil {
		return Permission{}, Errorf(EINVAL, "bad permission domain %q", s)
	}
	return Permission{Dom: dom, Perm: perm}, nil
}

func permsOk(domainId DomainId, permissions []Permission, perm Perm) bool {
	mask := PermRead | PermWrite | PermOwner

	// dom0 and the owner bypass the rule list
	if domainId == Dom0 || permissions[0].Dom == domainId {
		return (mask & perm) == perm
	}

	for _, p := range permissions {
		if p.Dom == domainId {
			return (p.Perm & perm) == perm
		}
	}

	return (permissions[0].Perm & perm) == perm
}

type Node struct {
	Path        Path
	Value       []byte
	Children    map[string]bool
	Permissions []Permission
}

func (self *Node) PermsOk(domainId DomainId, perm Perm) bool {
	return permsOk(domainId, self.Permissions, perm)
}

func (self *Node) Clone() *Node {
	children := make(map[string]bool, len(self.Children))
	maps.Copy(children, self.Children)
	return &Node{
		Path:        self.Path,
		Value:       slices.Clone(self.Value),
		Children:    children,
		Permissions: slices.Clone(self.Permissions),
	}
}

func (self *Node) owner() DomainId {
	return self.Permissions[0].Dom
}

type MutationKind int

const (
	MutationWrite MutationKind = iota
	MutationRemove
)

// Mutation is the record emitted for each changed path when a change set
// is applied. The watch registry consumes these.
type Mutation struct {
	Path Path
	Kind MutationKind
	// permissions of the node after the change. nil for removals,
	// which are always visible to watchers.
	Permissions []Permission
}

func (self *Mutation) PermsOk(domainId DomainId, perm Perm) bool {
	if self.Kind == MutationRemove {
		return true
	}
	return permsOk(domainId, self.Permissions, perm)
}

type changeKind int

const (
	changeWrite changeKind = iota
	changeRemove
)

type change struct {
	kind changeKind
	node *Node
}

// ChangeSet is a buffered view over the store: reads see buffered writes
// overlaid on the base snapshot, writes accumulate without touching the
// live tree until Apply. Direct requests use a throwaway change set that
// is applied immediately; transactions keep one across exchanges.
type ChangeSet struct {
	base           uint64
	changes        map[Path]*change
	reads          map[Path]bool
	pendingCreates int
}

func NewChangeSet(store *Store) *ChangeSet {
	return &ChangeSet{
		base:    store.generation,
		changes: map[Path]*change{},
		reads:   map[Path]bool{},
	}
}

func (self *ChangeSet) insert(kind changeKind, node *Node) {
	self.changes[node.Path] = &change{
		kind: kind,
		node: node,
	}
}

// touched is every path whose generation stamp must not have moved for
// this change set to commit.
func (self *ChangeSet) touched() []Path {
	paths := map[Path]bool{}
	maps.Copy(paths, self.reads)
	for path := range self.changes {
		paths[path] = true
	}
	out := maps.Keys(paths)
	slices.Sort(out)
	return out
}

type StoreSettings struct {
	// nodes a single unprivileged domain may own. dom0 is unlimited.
	MaxNodesPerDomain int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		MaxNodesPerDomain: 1000,
	}
}

// Store is the shared hierarchical tree. All mutation funnels through
// Apply, which bumps the global generation once per batch and stamps every
// changed path for conflict detection.
type Store struct {
	settings *StoreSettings

	generation     uint64
	nodes          map[Path]*Node
	pathGeneration map[Path]uint64
	nodeCounts     map[DomainId]int
}

func NewStoreWithDefaults() *Store {
	return NewStore(DefaultStoreSettings())
}

func NewStore(settings *StoreSettings) *Store {
	store := &Store{
		settings:       settings,
		nodes:          map[Path]*Node{},
		pathGeneration: map[Path]uint64{},
		nodeCounts:     map[DomainId]int{},
	}
	store.seed(RootPath, "tool")
	store.seed("/tool", "xenstored")
	store.seed("/tool/xenstored")
	return store
}

func (self *Store) seed(path Path, children ...string) {
	childSet := map[string]bool{}
	for _, child := range children {
		childSet[child] = true
	}
	self.nodes[path] = &Node{
		Path:        path,
		Value:       []byte{},
		Children:    childSet,
		Permissions: []Permission{{Dom: Dom0, Perm: PermNone}},
	}
}

func (self *Store) Generation() uint64 {
	return self.generation
}

func (self *Store) NodeCount(domainId DomainId) int {
	return self.nodeCounts[domainId]
}

// getNode resolves a path through the change set overlay and checks the
// requester's permission.
func (self *Store) getNode(cs *ChangeSet, domainId DomainId, path Path, perm Perm) (*Node, error) {
	var node *Node
	if ch, ok := cs.changes[path]; ok {
		if ch.kind == changeRemove {
			return nil, Errorf(ENOENT, "failed to lookup %s", path)
		}
		node = ch.node
	} else if n, ok := self.nodes[path]; ok {
		node = n
	} else {
		return nil, Errorf(ENOENT, "failed to lookup %s", path)
	}

	if !node.PermsOk(domainId, perm) {
		return nil, Errorf(EACCES, "failed to verify permissions for %s", path)
	}
	return node, nil
}

// Read returns the value at path.
func (self *Store) Read(cs *ChangeSet, domainId DomainId, path Path) ([]byte, error) {
	cs.reads[path] = true
	node, err := self.getNode(cs, domainId, path, PermRead)
	if err != nil {
		return nil, err
	}
	return slices.Clone(node.Value), nil
}

// Directory returns the sorted child names at path.
func (self *Store) Directory(cs *ChangeSet, domainId DomainId, path Path) ([]string, error) {
	cs.reads[path] = true
	node, err := self.getNode(cs, domainId, path, PermRead)
	if err != nil {
		return nil, err
	}
	children := maps.Keys(node.Children)
	slices.Sort(children)
	return children, nil
}

// GetPerms returns the rule list at path.
func (self *Store) GetPerms(cs *ChangeSet, domainId DomainId, path Path) ([]Permission, error) {
	cs.reads[path] = true
	node, err := self.getNode(cs, domainId, path, PermRead)
	if err != nil {
		return nil, err
	}
	return slices.Clone(node.Permissions), nil
}

// SetPerms replaces the rule list at path.
func (self *Store) SetPerms(cs *ChangeSet, domainId DomainId, path Path, permissions []Permission) error {
	if len(permissions) == 0 {
		return Errorf(EINVAL, "empty permission list for %s", path)
	}
	node, err := self.getNode(cs, domainId, path, PermWrite)
	if err != nil {
		return err
	}
	updated := node.Clone()
	updated.Permissions = slices.Clone(permissions)
	cs.insert(changeWrite, updated)
	return nil
}

// Write sets the value at path, creating missing intermediate directories.
func (self *Store) Write(cs *ChangeSet, domainId DomainId, path Path, value []byte) error {
	if MaxValueLength < len(value) {
		return Errorf(E2BIG, "value of %d bytes at %s", len(value), path)
	}

	node, err := self.getNode(cs, domainId, path, PermWrite)
	if err == nil {
		updated := node.Clone()
		updated.Value = slices.Clone(value)
		cs.insert(changeWrite, updated)
		return nil
	}
	if !IsCode(err, ENOENT) {
		return err
	}
	return self.constructNode(cs, domainId, path, value)
}

// Mkdir ensures a node exists at path. Creating an existing path succeeds.
func (self *Store) Mkdir(cs *ChangeSet, domainId DomainId, path Path) error {
	_, err := self.getNode(cs, domainId, path, PermWrite)
	if err == nil {
		return nil
	}
	if !IsCode(err, ENOENT) {
		return err
	}
	return self.constructNode(cs, domainId, path, []byte{})
}

// constructNode creates path and any missing ancestors. Created nodes
// inherit the nearest existing ancestor's permissions, with the owner
// replaced by the creating domain for unprivileged creators.
func (self *Store) constructNode(cs *ChangeSet, domainId DomainId, path Path, value []byte) error {
	// walk up to find the paths that need creation
	var missing []Path
	for _, ancestor := range path.Ancestors() {
		_, err := self.getNode(cs, domainId, ancestor, PermWrite)
		if err == nil {
			break
		}
		if !IsCode(err, ENOENT) {
			// blocked by permissions, not absence
			return Errorf(EACCES, "could not create %s", path)
		}
		missing = append(missing, ancestor)
	}
	if len(missing) == 0 {
		return Errorf(EACCES, "could not create %s", path)
	}

	if domainId != Dom0 {
		count := self.nodeCounts[domainId] + cs.pendingCreates + len(missing)
		if self.settings.MaxNodesPerDomain < count {
			return Errorf(ENOSPC, "domain %d node quota exhausted", domainId)
		}
	}

	// missing is ordered nearest-first; the last entry's parent exists
	deepest := missing[len(missing)-1]
	parentPath, ok := deepest.Parent()
	if !ok {
		return Errorf(EINVAL, "cannot create the root")
	}
	parentNode, err := self.getNode(cs, domainId, parentPath, PermWrite)
	if err != nil {
		return err
	}

	parent := parentNode.Clone()
	for i := len(missing) - 1; 0 <= i; i -= 1 {
		created := missing[i]
		parent.Children[created.Basename()] = true
		cs.insert(changeWrite, parent)

		permissions := slices.Clone(parent.Permissions)
		if domainId != Dom0 {
			// unprivileged domains own what they create
			permissions[0].Dom = domainId
		}
		parent = &Node{
			Path:        created,
			Value:       []byte{},
			Children:    map[string]bool{},
			Permissions: permissions,
		}
	}
	// the node the caller set out to create carries the real value
	parent.Value = slices.Clone(value)
	cs.insert(changeWrite, parent)
	cs.pendingCreates += len(missing)
	return nil
}

// Rm removes a node and all of its children. The root cannot be removed.
func (self *Store) Rm(cs *ChangeSet, domainId DomainId, path Path) error {
	if path.IsRoot() {
		return Errorf(EINVAL, "cannot remove the root directory")
	}

	parentPath, _ := path.Parent()
	parentNode, err := self.getNode(cs, domainId, parentPath, PermWrite)
	if err != nil {
		return err
	}

	// collect the whole subtree before touching the change set so a
	// permission failure partway leaves it unchanged
	var removals []*Node
	pending := []Path{path}
	for 0 < len(pending) {
		next := pending[0]
		pending = pending[1:]
		node, err := self.getNode(cs, domainId, next, PermWrite)
		if err != nil {
			return err
		}
		removals = append(removals, node)
		for child := range node.Children {
			pending = append(pending, next.Push(child))
		}
	}

	parent := parentNode.Clone()
	delete(parent.Children, path.Basename())
	cs.insert(changeWrite, parent)
	for _, node := range removals {
		cs.insert(changeRemove, node)
	}
	return nil
}

// Apply commits a change set. It fails with EAGAIN when any path the
// change set read or wrote was stamped by a later commit than its base
// generation (first committer wins); otherwise the buffered changes land
// atomically under a single generation bump and one Mutation per changed
// path comes back in stable order.
func (self *Store) Apply(cs *ChangeSet) ([]Mutation, error) {
	for _, path := range cs.touched() {
		if cs.base < self.pathGeneration[path] {
			return nil, Errorf(EAGAIN, "%s changed since generation %d", path, cs.base)
		}
	}

	if len(cs.changes) == 0 {
		return nil, nil
	}

	self.generation += 1

	paths := maps.Keys(cs.changes)
	slices.Sort(paths)

	mutations := make([]Mutation, 0, len(paths))
	for _, path := range paths {
		ch := cs.changes[path]
		switch ch.kind {
		case changeWrite:
			if existing, ok := self.nodes[path]; ok {
				self.nodeCounts[existing.owner()] -= 1
			}
			self.nodes[path] = ch.node
			self.nodeCounts[ch.node.owner()] += 1
			mutations = append(mutations, Mutation{
				Path:        path,
				Kind:        MutationWrite,
				Permissions: ch.node.Permissions,
			})
		case changeRemove:
			if existing, ok := self.nodes[path]; ok {
				self.nodeCounts[existing.owner()] -= 1
				delete(self.nodes, path)
			}
			mutations = append(mutations, Mutation{
				Path: path,
				Kind: MutationRemove,
			})
		}
		self.pathGeneration[path] = self.generation
	}
	return mutations, nil
}
