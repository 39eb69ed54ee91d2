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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/palooza/pkg/extensions"
)

const authInfoKey = "palooza.auth"

// authenticate validates the bearer token and stores the caller identity
// on the context.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extensions.BearerToken(c.GetHeader("Authorization"))
		info, err := s.ext.AuthProvider.Validate(c.Request.Context(), token)
		if err != nil {
			s.logger.Warn("request refused", "path", c.FullPath(), "error", err)
			s.audit(c, "auth.validate", "", extensions.OutcomeFailure, map[string]any{
				"path": c.FullPath(),
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(authInfoKey, info)
		c.Next()
	}
}

// caller returns the authenticated user, or "anonymous".
func caller(c *gin.Context) string {
	if v, ok := c.Get(authInfoKey); ok {
		if info, ok := v.(*extensions.AuthInfo); ok {
			return info.UserID
		}
	}
	return "anonymous"
}

// audit records a write. Audit failures are logged, never returned.
func (s *Server) audit(c *gin.Context, eventType, resourceID, outcome string, meta map[string]any) {
	err := s.ext.AuditLogger.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:  eventType,
		UserID:     caller(c),
		ResourceID: resourceID,
		Outcome:    outcome,
		Metadata:   meta,
	})
	if err != nil {
		s.logger.Warn("audit log failed", "type", eventType, "error", err)
	}
}
