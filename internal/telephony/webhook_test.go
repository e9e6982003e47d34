package telephony

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func postForm(values url.Values) *strings.Reader {
	return strings.NewReader(values.Encode())
}

func TestParseInbound(t *testing.T) {
	v := url.Values{}
	v.Set("CallSid", "CA123")
	v.Set("Caller", "+1 (555) 000-1111")
	r := httptest.NewRequest("POST", "/webhooks/voice/inbound", postForm(v))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f, err := ParseInbound(r)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.CallSid != "CA123" {
		t.Fatalf("callsid = %q", f.CallSid)
	}
}

func TestParseInbound_FallsBackToFrom(t *testing.T) {
	v := url.Values{}
	v.Set("CallSid", "CA123")
	v.Set("From", "+15550001111")
	r := httptest.NewRequest("POST", "/webhooks/voice/inbound", postForm(v))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f, err := ParseInbound(r)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Caller != "+15550001111" {
		t.Fatalf("caller = %q", f.Caller)
	}
}

func TestParseInbound_MissingFields(t *testing.T) {
	v := url.Values{}
	v.Set("CallSid", "CA123")
	r := httptest.NewRequest("POST", "/webhooks/voice/inbound", postForm(v))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := ParseInbound(r); err != ErrMissingField {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestParseStatus_NormalizesCase(t *testing.T) {
	v := url.Values{}
	v.Set("CallSid", "CA456")
	v.Set("CallStatus", "In-Progress")
	v.Set("AnsweredBy", "Machine_Start")
	r := httptest.NewRequest("POST", "/webhooks/voice/status", postForm(v))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f, err := ParseStatus(r)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.CallStatus != "in-progress" || f.AnsweredBy != "machine_start" {
		t.Fatalf("got %+v", f)
	}
}

func TestParseKeypress_AllowsEmptyDigits(t *testing.T) {
	// Gather timeout posts with no Digits; the dispatcher treats that as a
	// decline, so parsing must not reject it.
	v := url.Values{}
	v.Set("CallSid", "CA789")
	r := httptest.NewRequest("POST", "/webhooks/voice/keypress", postForm(v))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f, err := ParseKeypress(r)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Digits != "" {
		t.Fatalf("digits = %q", f.Digits)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct{ in, want string }{
		{"+1 (555) 000-1111", "+15550001111"},
		{"(830) 483-8832", "+18304838832"},
		{"+442071234567", "+442071234567"},
		{"  ", ""},
	}
	for _, tc := range cases {
		if got := NormalizePhone(tc.in); got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
