// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers the containment endpoints under rg.
//
// Endpoints (all but health require authentication; the operator role is
// required where marked):
//
//	GET  /containment/health
//	GET  /containment/active
//	POST /containment/sweep
//	POST /containment/switch/:id          operator
//	POST /containment/compile             operator
//	POST /containment/snapshots           operator
//	GET  /containment/snapshots
//	GET  /containment/snapshots/:id/verify
//	POST /containment/halt                operator
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	containment := rg.Group("/containment")
	containment.GET("/health", h.HandleHealth)

	authed := containment.Group("", AuthMiddleware(h.deps.Auth))
	{
		// Constraint scheduler
		authed.GET("/active", h.HandleActive)
		authed.POST("/sweep", h.HandleSweep)

		// Snapshot archive
		authed.GET("/snapshots", h.HandleListSnapshots)
		authed.GET("/snapshots/:id/verify", h.HandleVerifySnapshot)
	}

	operator := authed.Group("", RequireRole(RoleOperator), AuditMiddleware(h.logger))
	{
		operator.POST("/switch/:id", h.HandleSwitch)
		operator.POST("/compile", h.HandleCompile)
		operator.POST("/snapshots", h.HandleCreateSnapshot)
		operator.POST("/halt", h.HandleHalt)
	}
}

// NewRouter builds the full engine: /v1 routes plus /metrics served from
// gatherer. A nil gatherer uses the default registry.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router := gin.New()
	router.Use(gin.Recovery())
	RegisterRoutes(router.Group("/v1"), h)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return router
}
