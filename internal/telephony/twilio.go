package telephony

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// twilioCallAPI is the slice of the Twilio REST surface the gateway needs.
// Narrowed to an interface so tests can stub it without network access.
type twilioCallAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// TwilioGateway implements Gateway on the Twilio voice API.
//
// The SDK does not take a context; request deadlines come from the HTTP
// client configured on the RestClient. The ctx parameters are kept so other
// Gateway implementations can honor cancellation.
type TwilioGateway struct {
	api twilioCallAPI
}

func NewTwilioGateway(accountSID, authToken string) *TwilioGateway {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioGateway{api: client.Api}
}

// newTwilioGatewayWithAPI is the test seam.
func newTwilioGatewayWithAPI(api twilioCallAPI) *TwilioGateway {
	return &TwilioGateway{api: api}
}

func (g *TwilioGateway) PlaceCall(_ context.Context, p PlaceCallParams) (string, error) {
	if p.From == "" || p.To == "" {
		return "", errors.New("telephony: from and to are required")
	}
	if p.AnswerURL == "" {
		return "", errors.New("telephony: answer url is required")
	}

	params := &openapi.CreateCallParams{}
	params.SetFrom(p.From)
	params.SetTo(p.To)
	params.SetUrl(p.AnswerURL)
	params.SetMethod("POST")
	if p.StatusCallbackURL != "" {
		params.SetStatusCallback(p.StatusCallbackURL)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
		params.SetStatusCallbackMethod("POST")
	}
	if p.MachineDetection {
		params.SetMachineDetection("Enable")
	}
	if p.RingTimeout > 0 {
		params.SetTimeout(int(p.RingTimeout.Seconds()))
	}

	call, err := g.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("telephony: create call to %s: %w", p.To, err)
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return "", errors.New("telephony: provider returned no call sid")
	}
	return *call.Sid, nil
}

func (g *TwilioGateway) RedirectCall(_ context.Context, legRef, twimlURL string) error {
	if legRef == "" {
		return errors.New("telephony: leg ref is required")
	}
	params := &openapi.UpdateCallParams{}
	params.SetUrl(twimlURL)
	params.SetMethod("POST")
	if _, err := g.api.UpdateCall(legRef, params); err != nil {
		return fmt.Errorf("telephony: redirect %s: %w", legRef, err)
	}
	return nil
}

func (g *TwilioGateway) CompleteCall(_ context.Context, legRef string) error {
	if legRef == "" {
		return errors.New("telephony: leg ref is required")
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := g.api.UpdateCall(legRef, params); err != nil {
		return fmt.Errorf("telephony: complete %s: %w", legRef, err)
	}
	return nil
}
