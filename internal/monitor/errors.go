package monitor

import "errors"

var (
	ErrRuleNotFound = errors.New("alert rule not found")
	ErrInvalidRule  = errors.New("invalid alert rule")
)
