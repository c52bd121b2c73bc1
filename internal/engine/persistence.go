package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

func (e *Engine) armStateSaveLocked() {
	if e.stateSave != nil {
		e.stateSave.Trigger()
	}
}

func (e *Engine) armConfigSaveLocked() {
	if e.configSave != nil {
		e.configSave.Trigger()
	}
}

// saveStates serialises under the engine lock and writes outside it.
func (e *Engine) saveStates(ctx context.Context) error {
	e.mu.Lock()
	payload, err := json.Marshal(e.states)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("engine: encode states: %w", err)
	}
	return e.stateSnap.Save(ctx, payload)
}

func (e *Engine) saveConfig(ctx context.Context) error {
	e.mu.Lock()
	payload, err := json.Marshal(e.objects)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("engine: encode objects: %w", err)
	}
	return e.configSnap.Save(ctx, payload)
}

func (e *Engine) recordSaveErr(store string, err error) {
	e.saveErrMu.Lock()
	defer e.saveErrMu.Unlock()
	e.saveErrs[store] = err
}

func (e *Engine) saveErr(store string) error {
	e.saveErrMu.Lock()
	defer e.saveErrMu.Unlock()
	return e.saveErrs[store]
}

// snapshotRemoved re-arms the save of a snapshot deleted behind our back.
func (e *Engine) snapshotRemoved(name string) {
	switch {
	case e.stateSnap != nil && name == e.stateSnap.FileName():
		e.stateSave.Trigger()
	case e.configSnap != nil && name == e.configSnap.FileName():
		e.configSave.Trigger()
	}
}
