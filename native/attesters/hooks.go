package attesters

import "fmt"

// OnInitialize runs the per-block attester work: sealing batches at the end
// of each batching window, paying late batches and, on shuffling
// boundaries, releasing exits and rotating the committee.
func (e *Engine) OnInitialize(n uint64) error {
	if n%e.cfg.BatchingWindow == 0 {
		if err := e.closeWindows(n); err != nil {
			return fmt.Errorf("attesters: batching: %w", err)
		}
	}
	if err := e.repatriate(n); err != nil {
		return fmt.Errorf("attesters: repatriation: %w", err)
	}
	if n%e.cfg.ShufflingFrequency == 0 {
		if err := e.processExits(n); err != nil {
			return fmt.Errorf("attesters: exits: %w", err)
		}
		if err := e.rotate(n); err != nil {
			return fmt.Errorf("attesters: rotation: %w", err)
		}
	}
	return nil
}

// Rotate recomputes the active set and committee outside the shuffling
// schedule. Genesis uses it to seed the first committee.
func (e *Engine) Rotate(n uint64) error {
	return e.rotate(n)
}
