package handler

import (
	"github.com/metalfleet/fleetd/pkg/types"
)

// Host action names.
const (
	ActionFlashFirmware = "flash_firmware"
	ActionPowerCycle    = "power_cycle"
	ActionReimage       = "reimage"
)

// HostHandler drives the host firmware and reprovisioning lifecycle.
//
//	ready -> needs_firmware_update -> updating_firmware -> ready
//	ready -> needs_reprovision -> reprovisioning -> ready
//
// Entering updating_firmware or reprovisioning takes the host out of service,
// so those transitions are disruptive and admission-gated.
type HostHandler struct{}

// NewHostHandler returns the host state machine.
func NewHostHandler() *HostHandler { return &HostHandler{} }

func (h *HostHandler) Kind() types.ObjectKind { return types.KindHost }

func (h *HostHandler) Decide(state types.ObjectState, facts types.Facts) (Decision, error) {
	switch state {
	case types.HostReady:
		if factBool(facts, "firmware_outdated") {
			return Decision{Next: types.HostNeedsFirmwareUpdate}, nil
		}
		if factBool(facts, "needs_reprovision") {
			return Decision{Next: types.HostNeedsReprovision}, nil
		}
		return Decision{Next: state}, nil

	case types.HostNeedsFirmwareUpdate:
		return Decision{
			Next: types.HostUpdatingFirmware,
			Actions: []types.Action{{
				Name:   ActionFlashFirmware,
				Params: map[string]any{"target_version": factString(facts, "target_firmware")},
			}},
			Disruptive: true,
		}, nil

	case types.HostUpdatingFirmware:
		if factBool(facts, "flash_done") {
			return Decision{Next: types.HostReady}, nil
		}
		// Flash still running; hold state and the maintenance slot.
		return Decision{Next: state}, nil

	case types.HostNeedsReprovision:
		return Decision{
			Next: types.HostReprovisioning,
			Actions: []types.Action{
				{Name: ActionPowerCycle},
				{Name: ActionReimage, Params: map[string]any{"image": factString(facts, "target_image")}},
			},
			Disruptive: true,
		}, nil

	case types.HostReprovisioning:
		if factBool(facts, "provision_complete") {
			return Decision{Next: types.HostReady}, nil
		}
		return Decision{Next: state}, nil
	}

	return Decision{}, &FatalStateError{
		Kind:   types.KindHost,
		State:  state,
		Reason: "state is not part of the host machine",
	}
}
