package attachment

// boundedIndex maps keys to values and forgets the oldest key once more than
// size keys are held.
type boundedIndex struct {
	size  int
	seq   uint64
	m     map[string]indexed
	order []slot
}

type indexed struct {
	value string
	seq   uint64
}

// slot is live only while its seq matches the key's current entry.
type slot struct {
	key string
	seq uint64
}

func newBoundedIndex(size int) *boundedIndex {
	return &boundedIndex{size: size, m: make(map[string]indexed)}
}

func (b *boundedIndex) live(s slot) bool {
	cur, ok := b.m[s.key]
	return ok && cur.seq == s.seq
}

func (b *boundedIndex) put(k, v string) {
	if cur, ok := b.m[k]; ok {
		cur.value = v
		b.m[k] = cur
		return
	}
	b.seq++
	b.m[k] = indexed{value: v, seq: b.seq}
	b.order = append(b.order, slot{key: k, seq: b.seq})
	for len(b.m) > b.size && len(b.order) > 0 {
		oldest := b.order[0]
		b.order = b.order[1:]
		if b.live(oldest) {
			delete(b.m, oldest.key)
		}
	}
	if len(b.order) > 2*b.size+16 {
		live := make([]slot, 0, len(b.m))
		for _, s := range b.order {
			if b.live(s) {
				live = append(live, s)
			}
		}
		b.order = live
	}
}

func (b *boundedIndex) get(k string) (string, bool) {
	v, ok := b.m[k]
	return v.value, ok
}

func (b *boundedIndex) remove(k string) { delete(b.m, k) }

func (b *boundedIndex) reset() {
	b.m = make(map[string]indexed)
	b.order = nil
}
