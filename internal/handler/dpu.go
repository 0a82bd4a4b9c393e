package handler

import (
	"github.com/metalfleet/fleetd/pkg/types"
)

// DPU action names.
const (
	ActionFlashDPUFirmware = "flash_dpu_firmware"
)

// DPUHandler drives the DPU firmware lifecycle. Flashing a DPU takes its
// host's network path down, so the flash transition is disruptive.
type DPUHandler struct{}

// NewDPUHandler returns the DPU state machine.
func NewDPUHandler() *DPUHandler { return &DPUHandler{} }

func (h *DPUHandler) Kind() types.ObjectKind { return types.KindDPU }

func (h *DPUHandler) Decide(state types.ObjectState, facts types.Facts) (Decision, error) {
	switch state {
	case types.DPUReady:
		if factBool(facts, "firmware_outdated") {
			return Decision{Next: types.DPUNeedsFirmware}, nil
		}
		return Decision{Next: state}, nil

	case types.DPUNeedsFirmware:
		return Decision{
			Next: types.DPUFlashingFirmware,
			Actions: []types.Action{{
				Name:   ActionFlashDPUFirmware,
				Params: map[string]any{"target_version": factString(facts, "target_firmware")},
			}},
			Disruptive: true,
		}, nil

	case types.DPUFlashingFirmware:
		if factBool(facts, "flash_done") {
			return Decision{Next: types.DPUReady}, nil
		}
		return Decision{Next: state}, nil
	}

	return Decision{}, &FatalStateError{
		Kind:   types.KindDPU,
		State:  state,
		Reason: "state is not part of the dpu machine",
	}
}
