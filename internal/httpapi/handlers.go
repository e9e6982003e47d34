package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"callbroker/internal/dispatch"
	"callbroker/internal/emergency"
	"callbroker/internal/reporting"
	"callbroker/internal/session"
	"callbroker/internal/telephony"
	"callbroker/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AssistantBridge hands the inbound caller to the conversational assistant
// and returns the instruction document that bridges the leg.
type AssistantBridge interface {
	BridgeCall(ctx context.Context, callerNumber string) (string, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, respond.
type Handlers struct {
	Store     session.Store
	Dispatch  *dispatch.Service
	Assistant AssistantBridge
	Kill      *emergency.KillSwitch
	Reports   *reporting.Service
	URLs      dispatch.URLs
}

const contentTypeXML = "text/xml; charset=utf-8"

// --- Provider webhooks ---

// Inbound receives the provider's new-call webhook for the customer leg. It
// records the caller -> leg correlation so a later connect request can find
// the leg, then bridges the caller to the assistant.
func (h Handlers) Inbound(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := telephony.ParseInbound(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}

	if h.killEngaged(c) {
		log.Warn("inbound call refused, kill switch engaged", "leg", form.CallSid)
		h.renderDoc(c, telephony.NewDocument().
			Say("We are temporarily unavailable. Please call back later.").
			Hangup())
		return
	}

	caller := telephony.NormalizePhone(form.Caller)
	if err := h.Store.SetCorrelation(c.Request.Context(), caller, form.CallSid); err != nil {
		log.Error("caller correlation failed", "leg", form.CallSid, "err", err)
		h.renderDoc(c, telephony.NewDocument().
			Say("We are unable to take your call right now.").
			Hangup())
		return
	}

	twiml, err := h.Assistant.BridgeCall(c.Request.Context(), caller)
	if err != nil {
		log.Error("assistant bridge failed", "leg", form.CallSid, "err", err)
		h.renderDoc(c, telephony.NewDocument().
			Say("We are unable to take your call right now.").
			Hangup())
		return
	}

	log.Info("inbound call bridged", "leg", form.CallSid)
	c.Data(http.StatusOK, contentTypeXML, []byte(twiml))
}

// Status receives leg lifecycle callbacks for candidate legs. Always 204:
// the provider retries non-2xx responses and every event here is already
// handled idempotently downstream.
func (h Handlers) Status(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := telephony.ParseStatus(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}

	if h.killEngaged(c) {
		ctx := c.Request.Context()
		if err := h.Kill.Terminate(ctx, form.CallSid); err != nil {
			log.Warn("kill-switch terminate failed", "leg", form.CallSid, "err", err)
		}
		// Close the owning session so its state drains instead of
		// waiting out the full TTL.
		if id, err := h.Store.SessionForCandidate(ctx, form.CallSid); err == nil {
			if err := h.Store.MarkTerminated(ctx, id, session.OutcomeKilled); err != nil {
				log.Warn("kill-switch session close failed", "session_id", id, "err", err)
			}
		}
		c.Status(http.StatusNoContent)
		return
	}

	err = h.Dispatch.HandleStatus(c.Request.Context(), dispatch.StatusEvent{
		SessionID:   c.Query("session"),
		CandidateID: form.CallSid,
		Status:      form.CallStatus,
		AnsweredBy:  form.AnsweredBy,
	})
	if err != nil {
		log.Error("status event failed", "leg", form.CallSid, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event handling failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Keypress receives the candidate's digit response and renders the document
// matching the arbitration outcome.
func (h Handlers) Keypress(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := telephony.ParseKeypress(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}

	if h.killEngaged(c) {
		if err := h.Kill.Terminate(c.Request.Context(), form.CallSid); err != nil {
			log.Warn("kill-switch terminate failed", "leg", form.CallSid, "err", err)
		}
		h.renderDoc(c, telephony.NewDocument().Say("Goodbye.").Hangup())
		return
	}

	res, sess, err := h.Dispatch.HandleKeypress(c.Request.Context(), dispatch.KeypressEvent{
		SessionID:   c.Query("session"),
		CandidateID: form.CallSid,
		Digits:      form.Digits,
	})
	if err != nil {
		log.Error("keypress event failed", "leg", form.CallSid, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event handling failed"})
		return
	}

	switch res {
	case dispatch.ResultAccepted:
		// Only the customer leg ends the conference on exit.
		h.renderDoc(c, telephony.NewDocument().
			Say("Connecting you to the caller now.").
			JoinConference(sess.ConferenceName, false))
	case dispatch.ResultDeclined:
		h.renderDoc(c, telephony.NewDocument().
			Say("Thank you. Goodbye.").
			Hangup())
	default:
		h.renderDoc(c, takenDocument())
	}
}

// --- Instruction documents ---

// CustomerConference parks the customer leg in the session conference. The
// conference ends when the customer leaves so candidate legs never linger.
func (h Handlers) CustomerConference(c *gin.Context) {
	id := c.Query("session")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session required"})
		return
	}
	sess, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			h.renderDoc(c, telephony.NewDocument().
				Say("We could not find providers for your request. Goodbye.").
				Hangup())
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}
	h.renderDoc(c, telephony.NewDocument().
		Say("Please hold while we find someone to help you.").
		JoinConference(sess.ConferenceName, true))
}

// CandidatePrompt is the answer document for a candidate leg: announce the
// opportunity and gather the single-digit decision.
func (h Handlers) CandidatePrompt(c *gin.Context) {
	id := c.Query("session")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session required"})
		return
	}
	// No input within the timeout falls through to the keypress action,
	// which treats empty digits as a decline.
	h.renderDoc(c, telephony.NewDocument().
		Say("You have a new customer on the line.").
		GatherDigit(h.URLs.Keypress(id), "Press one to accept this call, or hang up to decline.", 10).
		Redirect(h.URLs.Keypress(id)))
}

// Taken tells a losing candidate the call is gone.
func (h Handlers) Taken(c *gin.Context) {
	h.renderDoc(c, takenDocument())
}

// Fallback tells the customer that nobody was available.
func (h Handlers) Fallback(c *gin.Context) {
	h.renderDoc(c, telephony.NewDocument().
		Say("We are sorry, no providers are available right now. Please try again later.").
		Hangup())
}

// --- API ---

type connectRequest struct {
	Caller  string `json:"caller"`
	Zipcode string `json:"zipcode,omitempty"`
	Service string `json:"service,omitempty"`
}

// Connect starts the broadcast for a tracked caller.
func (h Handlers) Connect(c *gin.Context) {
	log := logger.FromGin(c)

	if h.killEngaged(c) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service suspended"})
		return
	}

	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Caller == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "caller required"})
		return
	}

	id, err := h.Dispatch.Connect(c.Request.Context(), dispatch.ConnectRequest{
		Caller:   req.Caller,
		Zipcode:  req.Zipcode,
		Category: req.Service,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"session_id": id})
	case errors.Is(err, dispatch.ErrUnknownCaller):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no tracked call for caller"})
	case errors.Is(err, dispatch.ErrNoCandidates):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "no candidates to dial"})
	case errors.Is(err, dispatch.ErrTooBusy):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "session capacity reached"})
	default:
		log.Error("connect failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "connect failed"})
	}
}

// Stats returns aggregated outcome metrics for a time window. Defaults to
// the trailing 24 hours when no bounds are supplied.
func (h Handlers) Stats(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}

	now := time.Now().UTC()
	rng := reporting.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	if v := c.Query("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		rng.From = ts
	}
	if v := c.Query("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		rng.To = ts
	}

	summary, err := h.Reports.OutcomeSummary(c.Request.Context(), reporting.OutcomeSummaryRequest{Range: rng})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		logger.FromGin(c).Error("outcome summary failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

type emergencyRequest struct {
	Command string `json:"command"`
}

// Emergency controls the kill switch. Engaging it also sweeps every tracked
// leg so in-flight calls terminate immediately, not just new ones.
func (h Handlers) Emergency(c *gin.Context) {
	log := logger.FromGin(c)

	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := c.Request.Context()
	switch req.Command {
	case "engage":
		if err := h.Kill.Engage(ctx); err != nil {
			log.Error("kill switch engage failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "engage failed"})
			return
		}
		n, err := h.Kill.Sweep(ctx)
		if err != nil {
			log.Error("kill switch sweep failed", "terminated", n, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "terminated": n})
			return
		}
		log.Warn("kill switch engaged", "terminated", n)
		c.JSON(http.StatusOK, gin.H{"status": "engaged", "terminated": n})
	case "release":
		if err := h.Kill.Release(ctx); err != nil {
			log.Error("kill switch release failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "release failed"})
			return
		}
		log.Warn("kill switch released")
		c.JSON(http.StatusOK, gin.H{"status": "released"})
	case "sweep":
		n, err := h.Kill.Sweep(ctx)
		if err != nil {
			log.Error("sweep failed", "terminated", n, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "terminated": n})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "swept", "terminated": n})
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "command must be engage, release, or sweep"})
	}
}

// --- helpers ---

// killEngaged treats a flag read failure as engaged: with the store down
// there is no way to coordinate sessions safely anyway.
func (h Handlers) killEngaged(c *gin.Context) bool {
	if h.Kill == nil {
		return false
	}
	engaged, err := h.Kill.Engaged(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("kill-switch read failed", "err", err)
		return true
	}
	return engaged
}

func (h Handlers) renderDoc(c *gin.Context, d *telephony.Document) {
	xml, err := d.Render()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "document render failed"})
		return
	}
	c.Data(http.StatusOK, contentTypeXML, []byte(xml))
}

func takenDocument() *telephony.Document {
	return telephony.NewDocument().
		Say("This call has already been taken. Thank you.").
		Pause(2).
		Hangup()
}
