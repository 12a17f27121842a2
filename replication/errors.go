package replication

import (
	"fmt"

	"github.com/AMashenkov/ignite-3/hlc"
)

// SafeTimeReorderError is returned by the apply path when a command's stamped
// safe time is not ahead of the group's applied watermark. The dispatcher
// reacts by restamping and resubmitting.
type SafeTimeReorderError struct {
	Group            GroupID
	StampedSafeTime  hlc.Timestamp
	MaxObservedValue hlc.Timestamp
}

func (e *SafeTimeReorderError) Error() string {
	return fmt.Sprintf("group %s: command safe time %s is behind applied safe time %s",
		e.Group, e.StampedSafeTime, e.MaxObservedValue)
}

// TimeoutError is returned when the replicated log gives no answer within the
// SLA.
type TimeoutError struct {
	Group GroupID
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("group %s: replication timed out", e.Group)
}
