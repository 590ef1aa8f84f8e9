// Package store provides typed access to the two remote stores the pipeline
// consumes: the transcription key/value store (an HTTP SQL API) and the
// S3-compatible object store holding media and published HLS artifacts.
// It is the only package that speaks either wire protocol.
package store

import "errors"

// ErrNotFound is returned when a task is unknown to the key/value store.
// The user-visible message for this condition is NotFoundMessage.
var ErrNotFound = errors.New("task not found")

// ErrUnavailable is returned on transport-level store failures.
var ErrUnavailable = errors.New("store unavailable")

// NotFoundMessage is the error message recorded for unknown tasks.
const NotFoundMessage = "任务不存在"
