package queue

import "errors"

// ErrNotInProcessing is returned by Acknowledge when no matching entry was found,
// typically because another consumer already removed a byte-identical duplicate.
var ErrNotInProcessing = errors.New("task not found in processing list")
