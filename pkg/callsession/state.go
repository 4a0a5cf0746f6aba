package callsession

// State is the lifecycle position of one call.
type State int

const (
	StateDispatched State = iota
	StateResolvingMetadata
	StateCheckingCredit
	StateAssemblingPrompt
	StateSelectingProviders
	StateActive
	StateHandoffRequested
	StateHandedOff
	StateSettling
	StateEnded
	StateFailed
)

var stateNames = [...]string{
	StateDispatched:         "DISPATCHED",
	StateResolvingMetadata:  "RESOLVING_METADATA",
	StateCheckingCredit:     "CHECKING_CREDIT",
	StateAssemblingPrompt:   "ASSEMBLING_PROMPT",
	StateSelectingProviders: "SELECTING_PROVIDERS",
	StateActive:             "ACTIVE",
	StateHandoffRequested:   "HANDOFF_REQUESTED",
	StateHandedOff:          "HANDED_OFF",
	StateSettling:           "SETTLING",
	StateEnded:              "ENDED",
	StateFailed:             "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var validTransitions = map[State][]State{
	StateDispatched:         {StateResolvingMetadata},
	StateResolvingMetadata:  {StateCheckingCredit},
	StateCheckingCredit:     {StateAssemblingPrompt},
	StateAssemblingPrompt:   {StateSelectingProviders},
	StateSelectingProviders: {StateActive},
	StateActive:             {StateHandoffRequested, StateSettling},
	StateHandoffRequested:   {StateHandedOff, StateActive, StateSettling},
	StateHandedOff:          {StateSettling},
	StateSettling:           {StateEnded},
}

func transitionValid(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Direction distinguishes trunk-originated calls from dispatched ones.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Reason explains why a session left the conversation.
type Reason string

const (
	ReasonNone                    Reason = ""
	ReasonUnresolvableDestination Reason = "unresolvable-destination"
	ReasonInsufficientCredit      Reason = "insufficient-credit"
	ReasonCreditUnavailable       Reason = "credit-unavailable"
	ReasonCreditExhausted         Reason = "credit-exhausted"
	ReasonProviderExhausted       Reason = "provider-exhausted"
	ReasonMediaTimeout            Reason = "media-timeout"
	ReasonCallerHangup            Reason = "caller-hangup"
	ReasonAgentHangup             Reason = "agent-hangup"
	ReasonShutdown                Reason = "shutdown"
	ReasonInternalError           Reason = "internal-error"
)

// Failure reports whether the session should end in FAILED rather than ENDED.
func (r Reason) Failure() bool {
	switch r {
	case ReasonUnresolvableDestination, ReasonInsufficientCredit, ReasonCreditUnavailable,
		ReasonProviderExhausted, ReasonMediaTimeout, ReasonInternalError:
		return true
	}
	return false
}
