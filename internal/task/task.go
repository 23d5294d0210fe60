package task

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

type State string

const (
	StateCompleted State = "completed"
	StatePending   State = "pending"
	StateNotFound  State = "not_found"
	StateError     State = "error"
)

const (
	MessageSubmitted     = "Task submitted successfully."
	MessagePending       = "Task is still in progress."
	MessageNotFound      = "Task not found."
	MessageFormatInvalid = "Task result format invalid."
)

// Counts is the canonical result shape: label -> non-negative count.
type Counts map[string]int

// Task is the unit of work carried through the queue.
type Task struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Input      string    `json:"input"`
	Shots      int       `json:"shots"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Status is the derived, client-visible view of a task.
type Status struct {
	State   State
	Result  Counts
	Message string
}

func Completed(c Counts) Status { return Status{State: StateCompleted, Result: c} }
func Pending() Status           { return Status{State: StatePending, Message: MessagePending} }
func NotFound() Status          { return Status{State: StateNotFound, Message: MessageNotFound} }
func Failed(msg string) Status  { return Status{State: StateError, Message: msg} }

// NewID returns 128 random bits rendered as 32 lowercase hex characters.
func NewID() string {
	var b [16]byte
	// crypto/rand.Read never fails on supported platforms
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// ValidID reports whether id has the shape produced by NewID.
func ValidID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
