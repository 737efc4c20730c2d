package runner

import "fmt"

// ConfigError reports a workflow entry point that is unset or missing on
// disk. The subprocess is never spawned when one is returned.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("workflow configuration error: %s", e.Reason)
}

// Is enables errors.Is checks for configuration failures.
func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok
}

// SpawnError reports that the operating system failed to create the
// orchestrator process. The session lands in failed with no dangling handle.
type SpawnError struct {
	Program string
	Cause   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn orchestrator process %q: %v", e.Program, e.Cause)
}

func (e *SpawnError) Unwrap() error {
	return e.Cause
}

// Is enables errors.Is checks for spawn failures.
func (e *SpawnError) Is(target error) bool {
	_, ok := target.(*SpawnError)
	return ok
}
