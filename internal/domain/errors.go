package domain

import "errors"

// ErrNotFound marks "the thing is gone" conditions: a dead-letter id that
// was already retried or deleted, or a queue file another actor handled.
// Callers treat it as a benign outcome, not an I/O failure.
var ErrNotFound = errors.New("not found")

// ErrPermanent marks failures that cannot succeed on retry, such as a
// rejected request. Wrapping an error with it short-circuits the retry
// budget straight to the dead-letter table.
var ErrPermanent = errors.New("permanent failure")
