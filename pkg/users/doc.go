// Package users holds the pure user-record logic of the pipeline: projecting the
// API payload into a flat record, routing it by age and serialising it for storage.
//
// Nothing in this package performs I/O; the engine handlers wrap these functions.
package users
