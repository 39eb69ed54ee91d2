// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions holds the pluggable edges of the gateway: who may call
// it and where its audit trail goes.
//
// # Defaults
//
// DefaultOptions grants every caller the local identity and discards audit
// events, so a single-node deployment needs no configuration. Deployments
// with callers on the network install a StaticTokenProvider and a
// SlogAuditLogger.
package extensions

// ServiceOptions bundles the extension points handed to the gateway.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens. Never nil after DefaultOptions.
	AuthProvider AuthProvider

	// AuditLogger records write operations. Never nil after DefaultOptions.
	AuditLogger AuditLogger
}

// DefaultOptions returns the no-op providers.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy with provider installed.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy with logger installed.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Fill replaces nil fields with the defaults.
func (opts ServiceOptions) Fill() ServiceOptions {
	d := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = d.AuthProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = d.AuditLogger
	}
	return opts
}
