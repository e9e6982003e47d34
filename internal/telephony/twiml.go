package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
)

// Minimal TwiML builder for the documents the broker serves.
// It intentionally avoids the provider SDK's TwiML layer: the documents here
// are few and fixed, and hand-rolled structs keep the rendered XML auditable.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName   xml.Name `xml:"Gather"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr,omitempty"`
	NumDigits int      `xml:"numDigits,attr,omitempty"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Say       *twimlSay
}

type twimlDial struct {
	XMLName    xml.Name `xml:"Dial"`
	Conference *twimlConference
}

type twimlConference struct {
	XMLName                xml.Name `xml:"Conference"`
	StartConferenceOnEnter bool     `xml:"startConferenceOnEnter,attr"`
	EndConferenceOnExit    bool     `xml:"endConferenceOnExit,attr"`
	Name                   string   `xml:",chardata"`
}

// Document accumulates verbs and renders a Response.
type Document struct {
	verbs []any
}

func NewDocument() *Document { return &Document{} }

func (d *Document) Say(text string) *Document {
	d.verbs = append(d.verbs, twimlSay{Text: text})
	return d
}

func (d *Document) Pause(seconds int) *Document {
	d.verbs = append(d.verbs, twimlPause{Length: seconds})
	return d
}

func (d *Document) Hangup() *Document {
	d.verbs = append(d.verbs, twimlHangup{})
	return d
}

func (d *Document) Redirect(url string) *Document {
	d.verbs = append(d.verbs, twimlRedirect{Method: "POST", URL: url})
	return d
}

// GatherDigit prompts and collects a single keypress, posting it to action.
func (d *Document) GatherDigit(action, prompt string, timeoutSeconds int) *Document {
	d.verbs = append(d.verbs, twimlGather{
		Action:    action,
		Method:    "POST",
		NumDigits: 1,
		Timeout:   timeoutSeconds,
		Say:       &twimlSay{Text: prompt},
	})
	return d
}

// JoinConference bridges the leg into a named conference. endOnExit controls
// whether this participant leaving tears the conference down; true for the
// customer leg, false for specialists.
func (d *Document) JoinConference(name string, endOnExit bool) *Document {
	d.verbs = append(d.verbs, twimlDial{Conference: &twimlConference{
		StartConferenceOnEnter: true,
		EndConferenceOnExit:    endOnExit,
		Name:                   name,
	}})
	return d
}

func (d *Document) Render() (string, error) {
	if len(d.verbs) == 0 {
		return "", errors.New("telephony: empty twiml document")
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(twimlResponse{Verbs: d.verbs}); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
