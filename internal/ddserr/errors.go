// Package ddserr holds the distributor's named failure modes as plain
// sentinel errors any component can wrap with fmt.Errorf("...: %w"). It
// is its own package to avoid an import cycle: internal/movekeyslock and
// internal/snapshot both return these sentinels, and internal/distributor
// imports both of them to wire the supervisor loop.
package ddserr

import "errors"

// Named failure modes.
var (
	ErrWorkerRemoved              = errors.New("worker_removed")
	ErrBrokenPromise              = errors.New("broken_promise")
	ErrActorCancelled             = errors.New("actor_cancelled")
	ErrPleaseReboot               = errors.New("please_reboot")
	ErrMoveKeysConflict           = errors.New("movekeys_conflict")
	ErrDataMoveCancelled          = errors.New("data_move_cancelled")
	ErrDataMoveDestTeamNotFound   = errors.New("data_move_dest_team_not_found")
	ErrSnapStorageFailed          = errors.New("snap_storage_failed")
	ErrSnapTLogFailed             = errors.New("snap_tlog_failed")
	ErrSnapCoordFailed            = errors.New("snap_coord_failed")
	ErrSnapDisableTLogPopFailed   = errors.New("snap_disable_tlog_pop_failed")
	ErrSnapEnableTLogPopFailed    = errors.New("snap_enable_tlog_pop_failed")
	ErrSnapWithRecoveryUnsupported = errors.New("snap_with_recovery_unsupported")
	ErrOperationFailed            = errors.New("operation_failed")
	ErrTimedOut                   = errors.New("timed_out")
	ErrOperationCancelled         = errors.New("operation_cancelled")
)

// normalQueueErrors is the allow-set of failures that are recoverable
// within the supervisor loop: each triggers teardown and a return to the
// lock-acquire step rather than a fatal process exit.
var normalQueueErrors = []error{
	ErrMoveKeysConflict,
	ErrBrokenPromise,
	ErrDataMoveCancelled,
	ErrDataMoveDestTeamNotFound,
	ErrActorCancelled,
	ErrOperationCancelled,
}

// IsRecoverable reports whether err is in the supervisor's allow-set (or
// wraps one of its members).
func IsRecoverable(err error) bool {
	for _, sentinel := range normalQueueErrors {
		if errorsIs(err, sentinel) {
			return true
		}
	}
	return false
}

// errorsIs is a thin indirection so this file only needs the stdlib
// errors.Is, kept as a named func for readability at call sites.
func errorsIs(err, target error) bool {
	return errors.Is(err, target)
}
