package syncengine

import (
	"fmt"
	"sync/atomic"
)

// subCounter generates process-unique subscription id suffixes. The ids
// only need to be unique within one relay connection's lifetime.
var subCounter uint64

func nextSubID(prefix string) string {
	n := atomic.AddUint64(&subCounter, 1)
	return fmt.Sprintf("%s_%d", prefix, n)
}
