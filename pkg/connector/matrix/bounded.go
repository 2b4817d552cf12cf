// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

// maxTrackedReactions caps both reaction indexes of a portal. Reactions
// older than that are forgotten: redacting one is then reported as a
// message delete of the reaction event, which matches nothing and is
// dropped.
const maxTrackedReactions = 10000

type boundedEntry[V any] struct {
	value V
	seq   uint64
}

type boundedKey[K comparable] struct {
	key K
	seq uint64
}

// boundedMap is a map that forgets its least recently written entries once
// it holds more than limit of them. It is not safe for concurrent use.
type boundedMap[K comparable, V any] struct {
	limit int
	seq   uint64
	items map[K]boundedEntry[V]
	// order lists writes oldest first. Entries whose seq no longer matches
	// items are stale and skipped.
	order []boundedKey[K]
}

func newBoundedMap[K comparable, V any](limit int) *boundedMap[K, V] {
	return &boundedMap[K, V]{
		limit: max(limit, 1),
		items: make(map[K]boundedEntry[V]),
	}
}

func (m *boundedMap[K, V]) Get(key K) (V, bool) {
	e, ok := m.items[key]
	return e.value, ok
}

func (m *boundedMap[K, V]) Put(key K, value V) {
	m.seq++
	m.items[key] = boundedEntry[V]{value: value, seq: m.seq}
	m.order = append(m.order, boundedKey[K]{key: key, seq: m.seq})
	for len(m.items) > m.limit {
		oldest := m.order[0]
		m.order = m.order[1:]
		if e, ok := m.items[oldest.key]; ok && e.seq == oldest.seq {
			delete(m.items, oldest.key)
		}
	}
	if len(m.order) > 2*m.limit {
		m.compact()
	}
}

func (m *boundedMap[K, V]) Delete(key K) {
	delete(m.items, key)
}

func (m *boundedMap[K, V]) Len() int {
	return len(m.items)
}

func (m *boundedMap[K, V]) compact() {
	live := make([]boundedKey[K], 0, len(m.items))
	for _, k := range m.order {
		if e, ok := m.items[k.key]; ok && e.seq == k.seq {
			live = append(live, k)
		}
	}
	m.order = live
}
