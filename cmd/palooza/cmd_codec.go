// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/palooza/services/fabric"
)

// maxInputBytes bounds what encode and decode read.
const maxInputBytes = 64 << 20

func newEncodeCmd(_ *globalOptions) *cobra.Command {
	var asHex bool

	cmd := &cobra.Command{
		Use:   "encode [file]",
		Short: "Convert a JSON envelope to the MessagePack wire form",
		Long: `Reads one JSON envelope from the file, or stdin when no file or "-"
is given, fills in defaults and writes the MessagePack encoding to stdout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			env, err := fabric.DecodeJSON(bytes.NewReader(data))
			if err != nil {
				return err
			}
			wire, err := fabric.Encode(env)
			if err != nil {
				return fmt.Errorf("failed to encode envelope %s: %w", env.ID, err)
			}
			out := cmd.OutOrStdout()
			if asHex {
				_, err = fmt.Fprintln(out, hex.EncodeToString(wire))
				return err
			}
			_, err = out.Write(wire)
			return err
		},
	}
	cmd.Flags().BoolVar(&asHex, "hex", false, "write hex text instead of raw bytes")
	return cmd
}

func newDecodeCmd(opts *globalOptions) *cobra.Command {
	var fromHex bool

	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Convert a MessagePack envelope to JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			if fromHex {
				data, err = hex.DecodeString(string(bytes.TrimSpace(data)))
				if err != nil {
					return fmt.Errorf("input is not hex: %w", err)
				}
			}
			env, err := fabric.Decode(data)
			if err != nil {
				return err
			}
			return opts.printer(cmd).JSON(env)
		},
	}
	cmd.Flags().BoolVar(&fromHex, "hex", false, "read hex text instead of raw bytes")
	return cmd
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, maxInputBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if len(data) > maxInputBytes {
		return nil, fmt.Errorf("input exceeds %d bytes", maxInputBytes)
	}
	return data, nil
}
