package mapslicehelp

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Partition cuts s into consecutive chunks of at most size elements.
// The chunks share the backing array of s.
func Partition[T any](s []T, size int) [][]T {
	if size <= 0 {
		panic("partition size must be positive")
	}
	chunks := make([][]T, 0, (len(s)+size-1)/size)
	for start := 0; start < len(s); start += size {
		end := min(start+size, len(s))
		chunks = append(chunks, s[start:end:end])
	}
	return chunks
}

func OrderedMapKeys[K comparable, V any](m *orderedmap.OrderedMap[K, V]) []K {
	l := make([]K, m.Len())
	i := 0
	for p := m.Oldest(); p != nil; p = p.Next() {
		l[i] = p.Key
		i++
	}
	return l
}

// UnionKeys returns the keys of all maps in order of first appearance.
func UnionKeys[K comparable, V any](maps ...*orderedmap.OrderedMap[K, V]) []K {
	seen := make(map[K]struct{})
	var keys []K
	for _, m := range maps {
		if m == nil {
			continue
		}
		for p := m.Oldest(); p != nil; p = p.Next() {
			if _, ok := seen[p.Key]; ok {
				continue
			}
			seen[p.Key] = struct{}{}
			keys = append(keys, p.Key)
		}
	}
	return keys
}

func ReverseClone[S ~[]E, E any](s S) S {
	if s == nil {
		return nil
	}
	l := len(s)
	c := make(S, l)
	for i := 0; i < l; i++ {
		c[l-1-i] = s[i]
	}
	return c
}
