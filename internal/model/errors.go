package model

import (
	"errors"
)

var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidSchedule = errors.New("invalid schedule")
)
