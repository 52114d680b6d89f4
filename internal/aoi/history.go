package aoi

// History keeps the current AOI and the last shape that passed validation.
// Last-valid only changes when a candidate is accepted.
type History struct {
	current   *AOI
	lastValid *AOI
}

// Current returns the active AOI or nil.
func (h *History) Current() *AOI { return h.current }

// LastValid returns the most recently accepted AOI or nil.
func (h *History) LastValid() *AOI { return h.lastValid }

// Accept promotes a into both slots.
func (h *History) Accept(a *AOI) {
	h.current = a
	h.lastValid = a
}

// Revert makes the last-valid AOI current again and returns it.
func (h *History) Revert() *AOI {
	h.current = h.lastValid
	return h.current
}

// ClearCurrent drops the current AOI and keeps last-valid.
func (h *History) ClearCurrent() { h.current = nil }

// Clear empties both slots.
func (h *History) Clear() {
	h.current = nil
	h.lastValid = nil
}
