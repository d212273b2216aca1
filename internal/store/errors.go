package store

import "errors"

var (
	ErrNotFound       = errors.New("record not found")
	ErrRunFinalized   = errors.New("scan run already finalized")
	ErrInvalidStatus  = errors.New("invalid scan run status")
	ErrRiskScoreRange = errors.New("risk score out of valid range")
	ErrAcquireTimeout = errors.New("timed out acquiring database connection")
)
