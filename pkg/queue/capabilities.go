package queue

import (
	"strconv"

	"go.waggle.dev/waggle/pkg/types"
)

// capabilitiesSatisfy evaluates a bucket's requirements against worker capabilities.
func capabilitiesSatisfy(reqs []types.CapabilityRequirement, caps types.WorkerCapabilities) bool {
	for _, req := range reqs {
		value, present := caps[req.CapabilityName]
		switch req.Operator {
		case types.CapabilityPresent:
			if !present {
				return false
			}
		case types.CapabilityEq:
			if !present || value != req.Value {
				return false
			}
		case types.CapabilityNe:
			if present && value == req.Value {
				return false
			}
		case types.CapabilityGte:
			if !present || compareCapability(value, req.Value) < 0 {
				return false
			}
		case types.CapabilityLte:
			if !present || compareCapability(value, req.Value) > 0 {
				return false
			}
		default:
			// Unknown operators fail closed.
			return false
		}
	}
	return true
}

// compareCapability compares numerically when both sides parse, lexically otherwise.
func compareCapability(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
