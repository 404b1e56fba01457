package migrator

import (
	"errors"
	"fmt"
)

// Error kinds returned by the engine
var (
	// ErrConnectivity is returned when the database cannot be reached
	ErrConnectivity = errors.New("database unreachable")

	// ErrScriptExecution is returned when a script fails; the transaction is rolled back
	ErrScriptExecution = errors.New("script execution failed")

	// ErrMissingReverseScript is returned when a migration to undo has no reverse script
	ErrMissingReverseScript = errors.New("missing reverse script")

	// ErrNothingToRollBack is returned when the rollback set is empty
	ErrNothingToRollBack = errors.New("nothing to roll back")

	// ErrLedgerMissing is returned by rollback when the ledger table does not exist
	ErrLedgerMissing = errors.New("ledger table missing")

	// ErrUnknownTarget is returned when a rollback target is not in the ledger
	// and the reject policy is configured
	ErrUnknownTarget = errors.New("unknown rollback target")

	// ErrBackupUnavailable is returned by rollback when no dump utility is installed
	ErrBackupUnavailable = errors.New("backup unavailable")

	// ErrSnapshot is returned when exporting tables before a rollback fails
	ErrSnapshot = errors.New("table snapshot failed")

	// ErrRestore is returned when a committed rollback could not restore its snapshot
	ErrRestore = errors.New("snapshot restore failed")
)

// ConnectivityError wraps the failed ping
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("database unreachable: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

func (e *ConnectivityError) Is(target error) bool {
	return target == ErrConnectivity
}

// ScriptError identifies the script whose execution failed
type ScriptError struct {
	Script string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s failed: %v", e.Script, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

func (e *ScriptError) Is(target error) bool {
	return target == ErrScriptExecution
}

// MissingReverseScriptError names the migration that cannot be undone
type MissingReverseScriptError struct {
	Migration string
	Err       error
}

func (e *MissingReverseScriptError) Error() string {
	return fmt.Sprintf("migration %s has no reverse script: %v", e.Migration, e.Err)
}

func (e *MissingReverseScriptError) Unwrap() error {
	return e.Err
}

func (e *MissingReverseScriptError) Is(target error) bool {
	return target == ErrMissingReverseScript
}

// UnknownTargetError names a rollback target absent from the ledger
type UnknownTargetError struct {
	Target string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("rollback target %q is not in the ledger", e.Target)
}

func (e *UnknownTargetError) Unwrap() error {
	return ErrUnknownTarget
}

// IsConnectivityError checks if an error is a connectivity error
func IsConnectivityError(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsScriptError checks if an error is a script execution error
func IsScriptError(err error) bool {
	return errors.Is(err, ErrScriptExecution)
}

// IsMissingReverseScript checks if an error is a missing reverse script error
func IsMissingReverseScript(err error) bool {
	return errors.Is(err, ErrMissingReverseScript)
}

// IsNothingToRollBack checks if an error reports an empty rollback set
func IsNothingToRollBack(err error) bool {
	return errors.Is(err, ErrNothingToRollBack)
}

// IsUnknownTarget checks if an error reports an unknown rollback target
func IsUnknownTarget(err error) bool {
	return errors.Is(err, ErrUnknownTarget)
}
