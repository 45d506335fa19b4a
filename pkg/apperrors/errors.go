package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("validation failed")
	ErrNotOwner           = errors.New("job is not owned by this robot")
	ErrEndpointReserved   = errors.New("webhook endpoint already registered")
	ErrAliasReserved      = errors.New("call alias already registered")
	ErrDefaultPool        = errors.New("default pool cannot be removed")
	ErrTriggerDisabled    = errors.New("trigger is disabled")
	ErrAlreadyReprocessed = errors.New("dead letter entry already reprocessed")
)
