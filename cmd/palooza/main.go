// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command palooza runs the message fabric gateway and talks to it.
//
// # Usage
//
//	# Write a starter configuration
//	palooza config init palooza.yaml
//
//	# Run the gateway, bus, refiner and evolution orchestrator
//	palooza serve --config palooza.yaml
//
//	# Convert envelopes between JSON and the MessagePack wire form
//	palooza encode envelope.json > envelope.bin
//	palooza decode envelope.bin
//
//	# Talk to a running gateway
//	palooza publish --topic scrape/request --payload '{"url":"https://example.com"}'
//	palooza status
package main

import (
	"os"

	"github.com/AleutianAI/palooza/pkg/ux"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		ux.NewPrinter(os.Stdout, os.Stderr, ux.DetectMode(os.Stderr)).Error(err.Error())
		os.Exit(1)
	}
}
