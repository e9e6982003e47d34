package telephony

import (
	"errors"
	"net/http"
	"strings"
)

// Twilio delivers voice webhooks as application/x-www-form-urlencoded.
// These types capture only the fields the broker consumes; parsing stays at
// the adapter boundary and makes no routing decisions.

// InboundForm is the webhook for a new inbound customer call.
type InboundForm struct {
	CallSid string
	Caller  string
	Called  string
}

// StatusForm is a status callback for an outbound candidate leg.
type StatusForm struct {
	CallSid    string
	CallStatus string

	// AnsweredBy is populated when machine detection is enabled:
	// human, machine_start, machine_end_beep, fax, unknown...
	AnsweredBy string
}

// KeypressForm is the result of a Gather on a candidate leg.
type KeypressForm struct {
	CallSid string
	Digits  string
}

var ErrMissingField = errors.New("telephony: missing required webhook field")

func ParseInbound(r *http.Request) (InboundForm, error) {
	if err := r.ParseForm(); err != nil {
		return InboundForm{}, err
	}
	f := InboundForm{
		CallSid: strings.TrimSpace(r.PostFormValue("CallSid")),
		Caller:  strings.TrimSpace(r.PostFormValue("Caller")),
		Called:  strings.TrimSpace(r.PostFormValue("Called")),
	}
	if f.Caller == "" {
		f.Caller = strings.TrimSpace(r.PostFormValue("From"))
	}
	if f.CallSid == "" || f.Caller == "" {
		return InboundForm{}, ErrMissingField
	}
	return f, nil
}

func ParseStatus(r *http.Request) (StatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return StatusForm{}, err
	}
	f := StatusForm{
		CallSid:    strings.TrimSpace(r.PostFormValue("CallSid")),
		CallStatus: strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		AnsweredBy: strings.ToLower(strings.TrimSpace(r.PostFormValue("AnsweredBy"))),
	}
	if f.CallSid == "" || f.CallStatus == "" {
		return StatusForm{}, ErrMissingField
	}
	return f, nil
}

func ParseKeypress(r *http.Request) (KeypressForm, error) {
	if err := r.ParseForm(); err != nil {
		return KeypressForm{}, err
	}
	f := KeypressForm{
		CallSid: strings.TrimSpace(r.PostFormValue("CallSid")),
		Digits:  strings.TrimSpace(r.PostFormValue("Digits")),
	}
	if f.CallSid == "" {
		return KeypressForm{}, ErrMissingField
	}
	return f, nil
}

// NormalizePhone strips spaces and punctuation, keeping digits and a leading
// plus, and assumes NANP when no country code is present.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return ""
	}
	if !strings.HasPrefix(out, "+") {
		out = "+1" + out
	}
	return out
}
