package message

import (
	"errors"
	"fmt"
)

// FaultFromError converts a Go error chain into a wire fault record.
// The chain is walked via errors.Unwrap with the FaultDepthLimit cap.
// The dynamic type name of each error is preserved so the caller can
// inspect what failed without sharing types across the wire.
func FaultFromError(err error, stack string) *Fault {
	if err == nil {
		return nil
	}
	root := &Fault{
		TypeName:   fmt.Sprintf("%T", err),
		Message:    err.Error(),
		StackTrace: stack,
	}
	cur := root
	for depth := 1; depth < FaultDepthLimit; depth++ {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		cur.Inner = &Fault{
			TypeName: fmt.Sprintf("%T", inner),
			Message:  inner.Error(),
		}
		cur = cur.Inner
		err = inner
	}
	return root
}
