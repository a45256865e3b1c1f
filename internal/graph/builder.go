package graph

import "fmt"

// Builder is the State Builder component from spec.md §4.1: it owns the
// instance index and the reverse-reference map, converts flat payloads
// into a live nested graph, and performs upward invalidation so every
// ancestor of a changed node is replaced with a fresh copy (I3).
//
// Builder is not safe for concurrent use. The coordinator serializes every
// access to it through its own mutex, matching the single-threaded
// cooperative scheduling model in spec.md §5.
type Builder struct {
	modelMap   ModelMap
	anchorType string
	many       bool

	index   map[string]*Instance
	reverse reverseIndex

	// single-anchor mode
	singleAnchorID *int64

	// multi-anchor mode
	anchorIDs []int64
	anchorSet map[int64]struct{}
}

// New constructs a Builder. anchorType is the type_tag of the root
// instance(s); many selects multi-anchor mode (ordered sequence of roots)
// over single-anchor mode (one root).
func New(modelMap ModelMap, anchorType string, many bool) *Builder {
	return &Builder{
		modelMap:   modelMap,
		anchorType: anchorType,
		many:       many,
		index:      make(map[string]*Instance),
		reverse:    make(reverseIndex),
		anchorSet:  make(map[int64]struct{}),
	}
}

// SetAnchors replaces the anchor sequence (multi-anchor mode only) with
// the given ordered ids, filtering duplicates (I5), and creates a
// placeholder for any id not yet in the index.
func (b *Builder) SetAnchors(ids []int64) error {
	if !b.many {
		return fmt.Errorf("graph: set_anchors is only valid in multi-anchor mode")
	}

	seen := make(map[int64]struct{}, len(ids))
	ordered := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
		b.ensureAnchorPlaceholder(id)
	}

	b.anchorIDs = ordered
	b.anchorSet = seen
	return nil
}

// PrependAnchor inserts id at the head of the anchor sequence (multi-anchor
// mode only) unless it is already present (idempotent, I5).
func (b *Builder) PrependAnchor(id int64) error {
	if !b.many {
		return fmt.Errorf("graph: prepend_anchor is only valid in multi-anchor mode")
	}
	if _, ok := b.anchorSet[id]; ok {
		return nil
	}

	b.ensureAnchorPlaceholder(id)
	b.anchorIDs = append([]int64{id}, b.anchorIDs...)
	b.anchorSet[id] = struct{}{}
	return nil
}

func (b *Builder) ensureAnchorPlaceholder(id int64) {
	k := Identity{Type: b.anchorType, ID: id}.Key()
	if _, ok := b.index[k]; !ok {
		b.index[k] = placeholder(Identity{Type: b.anchorType, ID: id})
		b.reverse.ensure(k)
	}
}

// Update consumes an ordered batch of payloads, applying each in arrival
// order (spec §4.1 "ingesting one payload").
func (b *Builder) Update(batch []Payload) error {
	for _, p := range batch {
		if err := b.ingest(p); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) ingest(p Payload) error {
	// Step 1: anchor-sequence maintenance (multi-anchor mode, anchor-type
	// payloads only).
	if b.many && p.Type == b.anchorType {
		switch p.Operation {
		case OpInitialState:
			if _, ok := b.anchorSet[p.ID]; !ok {
				b.anchorIDs = append(b.anchorIDs, p.ID)
				b.anchorSet[p.ID] = struct{}{}
			}
		case OpDelete:
			delete(b.anchorSet, p.ID)
			for i, id := range b.anchorIDs {
				if id == p.ID {
					b.anchorIDs = append(b.anchorIDs[:i:i], b.anchorIDs[i+1:]...)
					break
				}
			}
		}
	}

	// Step 2: single-anchor initialization.
	if !b.many && b.singleAnchorID == nil {
		if p.Type != b.anchorType {
			return newError(ErrAnchorTypeMismatch, "first payload has type %q, want anchor type %q", p.Type, b.anchorType)
		}
		id := p.ID
		b.singleAnchorID = &id
	}

	// Step 3: deletion path.
	if p.Operation == OpDelete {
		b.delete(Identity{Type: p.Type, ID: p.ID})
		return nil
	}

	// Step 4: merge into index.
	k := Identity{Type: p.Type, ID: p.ID}.Key()
	existing, hadEntry := b.index[k]

	var fresh *Instance
	if hadEntry {
		fresh = existing.clone()
	} else {
		fresh = &Instance{Type: p.Type, ID: p.ID, Fields: make(map[string]any)}
	}
	fresh.Tstamp = p.Tstamp
	fresh.Operation = p.Operation
	fresh.Loaded = true

	// Step 5: resolve relations.
	for name, val := range p.Fields {
		targetType, isRelation := b.modelMap.relationTarget(p.Type, name)
		if !isRelation {
			fresh.Fields[name] = val
			continue
		}

		// Drop the backedge this referrer previously registered for this
		// property before resolving its new target(s); otherwise a
		// reassigned relation leaves a stale backref that a later update
		// to the old target would use to invalidate and overwrite this
		// field right back to its old value.
		if old, ok := fresh.Fields[name]; ok {
			b.dropBackref(old, k, name)
		}

		if elems, isSeq := val.([]any); isSeq {
			seq := make([]*Instance, len(elems))
			for i, elem := range elems {
				id, err := toID(elem)
				if err != nil {
					return fmt.Errorf("graph: %s.%s[%d]: %w", p.Type, name, i, err)
				}
				seq[i] = b.getOrCreate(targetType, id, k, name)
			}
			fresh.Fields[name] = seq
			continue
		}

		id, err := toID(val)
		if err != nil {
			return fmt.Errorf("graph: %s.%s: %w", p.Type, name, err)
		}
		fresh.Fields[name] = b.getOrCreate(targetType, id, k, name)
	}

	// Step 6: invalidate upward if this identity already had referrers.
	hadIncoming := !b.reverse.isEmpty(k)
	b.index[k] = fresh
	b.reverse.ensure(k)
	if hadIncoming {
		b.invalidate(k, make(map[string]struct{}))
	}

	return nil
}

// dropBackref removes the referrerKey/property backedge from whichever
// instance(s) value points at — a single relation (*Instance) or a
// collection relation ([]*Instance). Used whenever a referrer's relation
// field is about to be overwritten or the referrer itself is being
// removed, so the reverse index never accumulates edges that no longer
// reflect any live field.
func (b *Builder) dropBackref(value any, referrerKey, property string) {
	switch v := value.(type) {
	case *Instance:
		if v != nil {
			b.reverse.remove(v.Key(), referrerKey, property)
		}
	case []*Instance:
		for _, elem := range v {
			if elem != nil {
				b.reverse.remove(elem.Key(), referrerKey, property)
			}
		}
	}
}

// getOrCreate is §4.1.2: return the (possibly placeholder) instance at
// (target_type, id) and register the referrer's backedge. invalidate is
// deliberately not called here — the referrer is being freshly rewritten
// by ingest and will be installed into the index right after.
func (b *Builder) getOrCreate(targetType string, id int64, referrerKey, property string) *Instance {
	tk := Identity{Type: targetType, ID: id}.Key()
	if _, ok := b.index[tk]; !ok {
		b.index[tk] = placeholder(Identity{Type: targetType, ID: id})
	}
	b.reverse.add(tk, referrerKey, property)
	return b.index[tk]
}

// delete implements §4.1.3. Source behavior mutates referrer properties in
// place without propagating invalidation; per spec §9's open question this
// implementation takes the strengthened path and invalidates upward from
// every referrer afterward, so a deleted leaf still produces a fresh
// ancestor chain (matching I3/P2 for deletes as well as updates).
func (b *Builder) delete(id Identity) {
	k := id.Key()

	// Drop the backedges this node registered as a referrer on its own
	// relation targets, so a deleted node's outgoing references don't
	// linger in those targets' reverse-index entries forever.
	if doomed, ok := b.index[k]; ok {
		for property, val := range doomed.Fields {
			b.dropBackref(val, k, property)
		}
	}

	refs := make([]backref, 0, len(b.reverse[k]))
	for ref := range b.reverse[k] {
		refs = append(refs, ref)
	}

	for _, ref := range refs {
		referrer, ok := b.index[ref.referrerKey]
		if !ok {
			continue
		}

		fresh := referrer.clone()
		if seq, isSeq := fresh.Fields[ref.property].([]*Instance); isSeq {
			filtered := make([]*Instance, 0, len(seq))
			for _, elem := range seq {
				if elem != nil && elem.Key() == k {
					continue
				}
				filtered = append(filtered, elem)
			}
			fresh.Fields[ref.property] = filtered
		} else {
			fresh.Fields[ref.property] = nil
		}

		b.index[ref.referrerKey] = fresh
	}

	delete(b.index, k)
	delete(b.reverse, k)

	visited := make(map[string]struct{})
	for _, ref := range refs {
		b.invalidate(ref.referrerKey, visited)
	}
}

// State returns the current anchor view: in single mode a fresh shallow
// copy of the anchor instance (nil if the anchor is not yet set); in multi
// mode an ordered slice of fresh shallow copies keyed by the current
// anchor sequence. Every call returns new top-level references.
func (b *Builder) State() any {
	if !b.many {
		if b.singleAnchorID == nil {
			return (*Instance)(nil)
		}
		k := Identity{Type: b.anchorType, ID: *b.singleAnchorID}.Key()
		in, ok := b.index[k]
		if !ok {
			return (*Instance)(nil)
		}
		return in.clone()
	}

	out := make([]*Instance, 0, len(b.anchorIDs))
	for _, id := range b.anchorIDs {
		k := Identity{Type: b.anchorType, ID: id}.Key()
		if in, ok := b.index[k]; ok {
			out = append(out, in.clone())
		}
	}
	return out
}

// GetInstance looks up an instance by "type:id".
func (b *Builder) GetInstance(key string) (*Instance, error) {
	in, ok := b.index[key]
	if !ok {
		return nil, newError(ErrInstanceNotFound, "no instance at key %q", key)
	}
	return in, nil
}

func toID(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected numeric identity, got %T", v)
	}
}
