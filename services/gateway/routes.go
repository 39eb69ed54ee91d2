// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "palooza.gateway"

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.HealthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/v1")
	{
		auth := s.authenticate()

		messages := v1.Group("/messages")
		{
			messages.POST("", auth, s.PublishMessage())
			messages.POST("/binary", auth, s.PublishBinary())
			messages.GET("/history", s.GetHistory())
		}
		v1.POST("/refine", auth, s.RefineMessage())
		v1.POST("/mutations", auth, s.SubmitMutation())
		v1.GET("/stream", s.hub.HandleStream())

		darwinGroup := v1.Group("/darwin")
		{
			darwinGroup.GET("/status", s.GetDarwinStatus())
			darwinGroup.GET("/mutations", s.ListMutations())
			darwinGroup.GET("/ledger", s.GetLedger())
			darwinGroup.GET("/strategies/:taskType", s.GetStrategy())
		}
	}
}

// requestMetrics counts requests and observes latency through the global
// OpenTelemetry meter. With no meter provider installed it is a no-op.
func requestMetrics() gin.HandlerFunc {
	meter := otel.Meter(meterName)
	requests, _ := meter.Int64Counter("palooza.gateway.requests",
		metric.WithDescription("HTTP requests served by the gateway"))
	latency, _ := meter.Float64Histogram("palooza.gateway.request.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"))

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("method", c.Request.Method),
			attribute.String("status", strconv.Itoa(c.Writer.Status())),
		)
		if requests != nil {
			requests.Add(c.Request.Context(), 1, attrs)
		}
		if latency != nil {
			latency.Record(c.Request.Context(), time.Since(start).Seconds(), attrs)
		}
	}
}
