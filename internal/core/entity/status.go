package entity

import "slices"

const (
	// StatusUnknown stands in when an assignment arrives for a package whose
	// status cannot be determined.
	StatusUnknown = -1

	// Synthetic status codes of the two category buckets.
	CategoryInProcess = 1000
	CategoryClosed    = 1001
)

// Categories maps real status codes to the two buckets.
type Categories struct {
	inProcess map[int]struct{}
	closed    map[int]struct{}
}

// NewCategories builds the mapping. A code listed in both sets counts as closed.
func NewCategories(inProcess, closed []int) Categories {
	c := Categories{
		inProcess: make(map[int]struct{}, len(inProcess)),
		closed:    make(map[int]struct{}, len(closed)),
	}
	for _, s := range inProcess {
		c.inProcess[s] = struct{}{}
	}
	for _, s := range closed {
		delete(c.inProcess, s)
		c.closed[s] = struct{}{}
	}
	return c
}

// DefaultCategories returns the production mapping.
func DefaultCategories() Categories {
	return NewCategories(
		[]int{0, 1, 2, 3, 4, 6, 7, 10, 11, 12, 13},
		[]int{5, 8, 9, 14},
	)
}

// BucketOf returns the bucket status code for a real status.
func (c Categories) BucketOf(status int) (int, bool) {
	if _, ok := c.closed[status]; ok {
		return CategoryClosed, true
	}
	if _, ok := c.inProcess[status]; ok {
		return CategoryInProcess, true
	}
	return 0, false
}

// IsClosed reports whether status ends the shipment lifecycle.
func (c Categories) IsClosed(status int) bool {
	_, ok := c.closed[status]
	return ok
}

// Buckets lists the bucket codes.
func Buckets() []int {
	return []int{CategoryInProcess, CategoryClosed}
}

// IsBucket reports whether status is a synthetic bucket code.
func IsBucket(status int) bool {
	return slices.Contains(Buckets(), status)
}
