package supervisor

import "errors"

var (
	// ErrInvalidConfig rejects a start configuration before any resource is
	// acquired.
	ErrInvalidConfig = errors.New("invalid start configuration")

	// ErrGroupCreate wraps a resource group creation failure.
	ErrGroupCreate = errors.New("resource group creation failed")

	// ErrSpawn wraps a native spawn failure. The created group is destroyed
	// before the error is returned.
	ErrSpawn = errors.New("process spawn failed")

	// ErrAssignFailed wraps a failure to place the spawned process in its
	// group. The process is killed and the group destroyed before the error
	// is returned.
	ErrAssignFailed = errors.New("resource group assignment failed")

	// ErrNotFound reports that no supervised process has the given id.
	ErrNotFound = errors.New("process not found")

	// ErrDisposed rejects operations on a manager that is shutting down or
	// has shut down.
	ErrDisposed = errors.New("manager disposed")
)
