// Package set provides a generic unordered set datastructure.
package set

type Set[T comparable] map[T]struct{}

func From[T comparable](sl []T) Set[T] {
	result := make(Set[T], len(sl))

	for _, elem := range sl {
		result[elem] = struct{}{}
	}

	return result
}

func New[T comparable]() Set[T] {
	return Set[T]{}
}

func (s Set[T]) Add(elem T) {
	s[elem] = struct{}{}
}

func (s Set[T]) Remove(elem T) {
	delete(s, elem)
}

func (s Set[T]) Contains(elem T) bool {
	_, exist := s[elem]
	return exist
}

func (s Set[T]) ToSlice() []T {
	result := make([]T, 0, len(s))

	for elem := range s {
		result = append(result, elem)
	}

	return result
}
