package telephony

import (
	"context"
	"errors"
	"testing"
	"time"

	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCallAPI struct {
	created []*openapi.CreateCallParams
	updated map[string]*openapi.UpdateCallParams

	createSid string
	createErr error
	updateErr error
}

func newStubCallAPI() *stubCallAPI {
	return &stubCallAPI{updated: make(map[string]*openapi.UpdateCallParams), createSid: "CAnew"}
}

func (s *stubCallAPI) CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error) {
	s.created = append(s.created, params)
	if s.createErr != nil {
		return nil, s.createErr
	}
	sid := s.createSid
	return &openapi.ApiV2010Call{Sid: &sid}, nil
}

func (s *stubCallAPI) UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	s.updated[sid] = params
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return &openapi.ApiV2010Call{Sid: &sid}, nil
}

func TestTwilioGateway_PlaceCall(t *testing.T) {
	api := newStubCallAPI()
	g := newTwilioGatewayWithAPI(api)

	sid, err := g.PlaceCall(context.Background(), PlaceCallParams{
		From:              "+15550001111",
		To:                "+15550002222",
		AnswerURL:         "https://broker.example.com/twiml/join?session=s1",
		StatusCallbackURL: "https://broker.example.com/webhooks/voice/status?session=s1",
		MachineDetection:  true,
		RingTimeout:       25 * time.Second,
	})
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if sid != "CAnew" {
		t.Fatalf("sid = %q", sid)
	}
	if len(api.created) != 1 {
		t.Fatalf("expected one create, got %d", len(api.created))
	}
	p := api.created[0]
	if p.MachineDetection == nil || *p.MachineDetection != "Enable" {
		t.Fatalf("machine detection not requested: %+v", p)
	}
	if p.Timeout == nil || *p.Timeout != 25 {
		t.Fatalf("ring timeout not set: %+v", p)
	}
	if p.StatusCallback == nil {
		t.Fatalf("status callback not set")
	}
}

func TestTwilioGateway_PlaceCallValidation(t *testing.T) {
	g := newTwilioGatewayWithAPI(newStubCallAPI())
	if _, err := g.PlaceCall(context.Background(), PlaceCallParams{From: "+1", To: ""}); err == nil {
		t.Fatalf("expected error for missing to")
	}
	if _, err := g.PlaceCall(context.Background(), PlaceCallParams{From: "+1", To: "+2"}); err == nil {
		t.Fatalf("expected error for missing answer url")
	}
}

func TestTwilioGateway_RedirectAndComplete(t *testing.T) {
	api := newStubCallAPI()
	g := newTwilioGatewayWithAPI(api)

	if err := g.RedirectCall(context.Background(), "CAleg", "https://broker.example.com/twiml/taken"); err != nil {
		t.Fatalf("redirect: %v", err)
	}
	if p := api.updated["CAleg"]; p == nil || p.Url == nil || *p.Url != "https://broker.example.com/twiml/taken" {
		t.Fatalf("redirect params wrong: %+v", api.updated["CAleg"])
	}

	if err := g.CompleteCall(context.Background(), "CAleg2"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if p := api.updated["CAleg2"]; p == nil || p.Status == nil || *p.Status != "completed" {
		t.Fatalf("complete params wrong: %+v", api.updated["CAleg2"])
	}
}

func TestTwilioGateway_WrapsProviderErrors(t *testing.T) {
	api := newStubCallAPI()
	api.createErr = errors.New("upstream 500")
	g := newTwilioGatewayWithAPI(api)

	_, err := g.PlaceCall(context.Background(), PlaceCallParams{From: "+1", To: "+2", AnswerURL: "https://x"})
	if err == nil || !errors.Is(err, api.createErr) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}
