package common

import "errors"

// ErrModulePaused is returned by Guard while the pause switch is set.
var ErrModulePaused = errors.New("escrow module paused")

// PauseView exposes the module pause switch to callers that must respect it.
type PauseView interface {
	IsPaused() bool
}

// Guard rejects the call while the module is paused. A nil view never blocks.
func Guard(p PauseView) error {
	if p == nil {
		return nil
	}
	if p.IsPaused() {
		return ErrModulePaused
	}
	return nil
}
