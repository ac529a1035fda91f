package campaign

import "go.jetify.com/typeid"

// NewCheckpointID returns a new type-prefixed checkpoint identifier.
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewStepID returns a new identifier for a step log entry.
func NewStepID() string {
	id, err := typeid.WithPrefix("step")
	if err != nil {
		panic(err)
	}
	return id.String()
}
