package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Call-level taxonomy.
	ReasonUnresolvableDestination ReasonCode = "unresolvable_destination"
	ReasonInsufficientCredit      ReasonCode = "insufficient_credit"
	ReasonProviderTransient       ReasonCode = "provider_transient"
	ReasonProviderExhausted       ReasonCode = "provider_exhausted"
	ReasonRetrievalDegraded       ReasonCode = "retrieval_degraded"
	ReasonHandoffTimeout          ReasonCode = "handoff_timeout"
	ReasonSessionDuplicate        ReasonCode = "session_duplicate"
	ReasonLedgerInconsistency     ReasonCode = "ledger_inconsistency"

	ReasonCreditCheckTimeout ReasonCode = "credit_check_timeout"
	ReasonCreditExhausted    ReasonCode = "credit_exhausted"
	ReasonCallerHangup       ReasonCode = "caller_hangup"
	ReasonMediaTimeout       ReasonCode = "media_timeout"
	ReasonStoreUnreachable   ReasonCode = "store_unreachable"

	ReasonSTTConnect  ReasonCode = "stt_connect"
	ReasonTTSSend     ReasonCode = "tts_send"
	ReasonLLMGenerate ReasonCode = "llm_generate"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)

// Fatal reports whether the reason ends a call rather than degrading it.
func (r ReasonCode) Fatal() bool {
	switch r {
	case ReasonUnresolvableDestination, ReasonInsufficientCredit, ReasonProviderExhausted,
		ReasonCreditCheckTimeout, ReasonCreditExhausted, ReasonMediaTimeout, ReasonStoreUnreachable:
		return true
	}
	return false
}
