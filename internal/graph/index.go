package graph

// backref is one incoming reference: the referrer's key and the property
// on the referrer that points at the target.
type backref struct {
	referrerKey string
	property    string
}

// reverseIndex is the reverse-reference map: for each indexed key, the set
// of incoming (referrer_key, property) pairs. It is the backedge index
// that upward invalidation walks to propagate freshness toward the anchor.
type reverseIndex map[string]map[backref]struct{}

func (r reverseIndex) ensure(key string) {
	if _, ok := r[key]; !ok {
		r[key] = make(map[backref]struct{})
	}
}

func (r reverseIndex) add(target, referrerKey, property string) {
	r.ensure(target)
	r[target][backref{referrerKey: referrerKey, property: property}] = struct{}{}
}

func (r reverseIndex) remove(target, referrerKey, property string) {
	if set, ok := r[target]; ok {
		delete(set, backref{referrerKey: referrerKey, property: property})
	}
}

func (r reverseIndex) isEmpty(key string) bool {
	return len(r[key]) == 0
}
