package iothub

import (
	"strconv"
	"sync/atomic"
)

// RequestIDs hands out request IDs for one connection, starting at "0"
type RequestIDs struct {
	next atomic.Uint64
}

// Next returns the next request ID
func (r *RequestIDs) Next() string {
	return strconv.FormatUint(r.next.Add(1)-1, 10)
}
