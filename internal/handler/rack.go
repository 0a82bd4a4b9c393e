package handler

import (
	"github.com/metalfleet/fleetd/pkg/types"
)

// Rack action names.
const (
	ActionPowerOnPDU     = "power_on_pdu"
	ActionPowerOffPDU    = "power_off_pdu"
	ActionDrainWorkloads = "drain_workloads"
)

// RackHandler drives rack power sequencing. Powering a rack off removes
// every hosted node from service, so that transition is disruptive; powering
// on a rack that is already out of service is not.
type RackHandler struct{}

// NewRackHandler returns the rack state machine.
func NewRackHandler() *RackHandler { return &RackHandler{} }

func (h *RackHandler) Kind() types.ObjectKind { return types.KindRack }

func (h *RackHandler) Decide(state types.ObjectState, facts types.Facts) (Decision, error) {
	switch state {
	case types.RackPoweredOff:
		if factString(facts, "desired_power") == "on" {
			return Decision{
				Next:    types.RackPoweringOn,
				Actions: []types.Action{{Name: ActionPowerOnPDU}},
			}, nil
		}
		return Decision{Next: state}, nil

	case types.RackPoweringOn:
		if factBool(facts, "all_nodes_up") {
			return Decision{Next: types.RackPoweredOn}, nil
		}
		return Decision{Next: state}, nil

	case types.RackPoweredOn:
		if factString(facts, "desired_power") == "off" {
			return Decision{
				Next: types.RackPoweringOff,
				Actions: []types.Action{
					{Name: ActionDrainWorkloads},
					{Name: ActionPowerOffPDU},
				},
				Disruptive: true,
			}, nil
		}
		return Decision{Next: state}, nil

	case types.RackPoweringOff:
		if factBool(facts, "all_nodes_down") {
			return Decision{Next: types.RackPoweredOff}, nil
		}
		return Decision{Next: state}, nil
	}

	return Decision{}, &FatalStateError{
		Kind:   types.KindRack,
		State:  state,
		Reason: "state is not part of the rack machine",
	}
}
