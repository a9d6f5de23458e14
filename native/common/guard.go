package common

import (
	"errors"
	"fmt"
	"strings"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

// PauseStore extends PauseView with the ability to flip a module's flag.
type PauseStore interface {
	PauseView
	SetPaused(module string, paused bool) error
}

// Guard fails with ErrModulePaused when the module's pause flag is set.
func Guard(p PauseView, module string) error {
	name := strings.TrimSpace(module)
	if p == nil || name == "" {
		return nil
	}
	if p.IsPaused(name) {
		return fmt.Errorf("%w: %s", ErrModulePaused, name)
	}
	return nil
}

// Toggle sets the module flag and reports whether the value changed.
func Toggle(p PauseStore, module string, paused bool) (bool, error) {
	name := strings.TrimSpace(module)
	if p == nil || name == "" {
		return false, fmt.Errorf("pause: module required")
	}
	if p.IsPaused(name) == paused {
		return false, nil
	}
	if err := p.SetPaused(name, paused); err != nil {
		return false, err
	}
	return true, nil
}
