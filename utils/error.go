package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorStaleState is returned by compare-and-set writes when the stored row no
// longer holds the expected value.
var ErrorStaleState = errors.New("record changed concurrently")
