package twilio

import (
	"net/http"
	"strings"
)

// Query and stream parameter names shared by the webhooks and the REST calls that point
// Twilio at them.
const (
	paramDispatch   = "dispatch"
	paramRoom       = "room"
	paramLeg        = "leg"
	paramCallSID    = "call_sid"
	paramListenOnly = "listen_only"
)

func connectTwiml(wsURL, callSID string) string {
	return `<Response><Connect><Stream url="` + xmlEscape(wsURL) + `">` +
		`<Parameter name="` + paramCallSID + `" value="` + xmlEscape(callSID) + `"/>` +
		`</Stream></Connect></Response>`
}

func rejectTwiml() string {
	return `<Response><Reject reason="rejected"/></Response>`
}

func hangupTwiml() string {
	return `<Response><Hangup/></Response>`
}

func sayHangupTwiml(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return hangupTwiml()
	}
	return `<Response><Say>` + xmlEscape(message) + `</Say><Hangup/></Response>`
}

// agentConferenceTwiml holds the agent in the room until the caller is moved in. The
// conference ends when the agent leaves.
func agentConferenceTwiml(room string) string {
	return `<Response><Dial><Conference startConferenceOnEnter="true" endConferenceOnExit="true">` +
		xmlEscape(room) + `</Conference></Dial></Response>`
}

// bridgeTwiml moves the caller into the agent's room. A listen-only stream keeps the AI
// attached to the caller's audio.
func bridgeTwiml(wsURL, callSID string) string {
	return `<Response><Start><Stream url="` + xmlEscape(wsURL) + `" track="inbound_track">` +
		`<Parameter name="` + paramCallSID + `" value="` + xmlEscape(callSID) + `"/>` +
		`<Parameter name="` + paramListenOnly + `" value="true"/>` +
		`</Stream></Start>` +
		`<Dial><Conference startConferenceOnEnter="true" endConferenceOnExit="true">` + xmlEscape(callSID) + `</Conference></Dial>` +
		`</Response>`
}

func writeTwiml(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}
