package queue

import "encoding/json"

// Task is one unit of dispatch work. It carries no provider id;
// providers are chosen at execution time. Raw holds the exact encoded
// payload the task was read with so ack and requeue operate on the
// identical list member. Tasks are not mutated after encoding.
type Task struct {
	RequestID         string   `json:"request_id"`
	ExcludedProviders []string `json:"excluded_providers,omitempty"`
	Attempt           int      `json:"attempt"`

	Raw string `json:"-"`
}

// NewTask builds the first-attempt task for a request.
func NewTask(requestID string) Task {
	return Task{RequestID: requestID, Attempt: 1}
}

// Encode returns the task's wire form, reusing the raw payload it was
// read with when present.
func (t *Task) Encode() (string, error) {
	if t.Raw != "" {
		return t.Raw, nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	t.Raw = string(b)
	return t.Raw, nil
}

// Decode parses a task from its wire form, preserving the raw payload.
func Decode(raw string) (Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Task{}, err
	}
	t.Raw = raw
	return t, nil
}
