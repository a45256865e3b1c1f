package graph

// invalidate walks the reverse-reference map upward from key, replacing
// every referrer with a fresh shallow copy so reference-equality checks
// detect the change all the way to the anchor (I3/P2). visited is keyed by
// node key, not object reference, because objects are replaced in place as
// we walk (spec §9: cycles are broken on key, never pointer identity).
func (b *Builder) invalidate(key string, visited map[string]struct{}) {
	if _, seen := visited[key]; seen {
		return
	}
	visited[key] = struct{}{}

	for ref := range b.reverse[key] {
		referrer, ok := b.index[ref.referrerKey]
		if !ok {
			continue
		}

		fresh := referrer.clone()

		if seq, isSeq := fresh.Fields[ref.property].([]*Instance); isSeq {
			rebuilt := make([]*Instance, len(seq))
			for i, elem := range seq {
				if elem == nil {
					rebuilt[i] = nil
					continue
				}
				if current, ok := b.index[elem.Key()]; ok {
					rebuilt[i] = current
				} else {
					rebuilt[i] = elem
				}
			}
			fresh.Fields[ref.property] = rebuilt
		} else {
			fresh.Fields[ref.property] = b.index[key]
		}

		b.index[ref.referrerKey] = fresh

		b.invalidate(ref.referrerKey, visited)
	}
}
