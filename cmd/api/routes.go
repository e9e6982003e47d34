package main

import (
	"callbroker/internal/auth"
	"callbroker/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, mgr *auth.Manager, emergencyToken string) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public).
	// NOTE: These should be protected by Twilio signature validation in production.
	hooks := r.Group("/webhooks/voice")
	{
		hooks.POST("/inbound", h.Inbound)
		hooks.POST("/status", h.Status)
		hooks.POST("/keypress", h.Keypress)
	}

	// Instruction documents the provider fetches mid-call. The gateway
	// requests them with POST, matching the method declared in the
	// rendered documents.
	twiml := r.Group("/twiml")
	{
		twiml.POST("/conference", h.CustomerConference)
		twiml.POST("/prompt", h.CandidatePrompt)
		twiml.POST("/taken", h.Taken)
		twiml.POST("/fallback", h.Fallback)
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/connect", auth.RequireBearer(mgr), h.Connect)
		v1.GET("/stats", auth.RequireBearer(mgr), h.Stats)
		v1.POST("/emergency", auth.RequireSharedSecret(emergencyToken), h.Emergency)
	}
}
