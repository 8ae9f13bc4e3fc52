package messaging

import (
	"github.com/meshmq/meshmq/contracts"
)

// AckPolicy decides when and whether an inbound envelope is acknowledged.
// Exactly one policy is active per subscriber and it is immutable after start.
type AckPolicy int

const (
	// AckPolicyUnset means the caller did not choose a policy; construction
	// resolves it against the deprecated boolean toggles and the default.
	AckPolicyUnset AckPolicy = iota

	// AckFirst acknowledges before the handler runs. Fire and forget; backend
	// adapters may implement it as an auto-commit flag instead of an explicit
	// per-message ack.
	AckFirst

	// RejectOnError acknowledges on handler success and negatively
	// acknowledges on handler failure.
	RejectOnError

	// ManualAck leaves acknowledgment entirely to user code.
	ManualAck

	// DoNothing never invokes an acknowledgment primitive. Used when the
	// backend has no ack concept or the caller manages it out of band.
	DoNothing
)

// String returns the policy name for log context.
func (p AckPolicy) String() string {
	switch p {
	case AckFirst:
		return "ack-first"
	case RejectOnError:
		return "reject-on-error"
	case ManualAck:
		return "manual"
	case DoNothing:
		return "do-nothing"
	default:
		return "unset"
	}
}

// ackDecision is the action the policy engine selects for one hook.
type ackDecision int

const (
	decideNone ackDecision = iota
	decideAck
	decideNack
)

// preHandle returns the action to apply before the handler runs.
func (p AckPolicy) preHandle() ackDecision {
	if p == AckFirst {
		return decideAck
	}
	return decideNone
}

// postHandle returns the action to apply after the handler returned.
func (p AckPolicy) postHandle(handlerErr error) ackDecision {
	if p != RejectOnError {
		return decideNone
	}
	if handlerErr != nil {
		return decideNack
	}
	return decideAck
}

// resolveAckPolicy folds the deprecated autoAck/noAck toggles and the default
// into one policy. Supplying a toggle together with an explicit policy is a
// configuration error; precedence is explicit value, then deprecated alias,
// then the AckFirst default.
func resolveAckPolicy(policy AckPolicy, autoAck, noAck *bool) (AckPolicy, error) {
	if autoAck != nil && noAck != nil {
		return AckPolicyUnset, contracts.NewSetupError(
			"auto-ack and no-ack toggles are mutually exclusive")
	}

	if autoAck != nil {
		if policy != AckPolicyUnset {
			return AckPolicyUnset, contracts.NewSetupError(
				"deprecated auto-ack toggle cannot be combined with an explicit ack policy")
		}
		if *autoAck {
			return AckFirst, nil
		}
		return RejectOnError, nil
	}

	if noAck != nil {
		if policy != AckPolicyUnset {
			return AckPolicyUnset, contracts.NewSetupError(
				"deprecated no-ack toggle cannot be combined with an explicit ack policy")
		}
		if *noAck {
			return DoNothing, nil
		}
		policy = AckPolicyUnset
	}

	if policy == AckPolicyUnset {
		return AckFirst, nil
	}
	return policy, nil
}
