// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package darwin

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// DefaultSecret is the documented fallback signing secret used when a
// component has no configured secret and RequireSecrets is off.
const DefaultSecret = "default"

// secretEnvPrefix is followed by the upper-cased component name.
const secretEnvPrefix = "DARWIN_SECRET_"

// ErrMissingSecret is returned when RequireSecrets is set and a component has
// no configured secret.
var ErrMissingSecret = errors.New("missing darwin signing secret")

// KeyringConfig configures secret resolution.
type KeyringConfig struct {
	// Secrets maps component name to signing secret. Takes precedence over
	// the environment.
	Secrets map[string]string `yaml:"secrets"`

	// RequireSecrets disables the DefaultSecret fallback.
	RequireSecrets bool `yaml:"require_secrets"`
}

// Keyring resolves per-component signing secrets and holds them in
// memguard enclaves.
//
// # Description
//
// Resolution order for a component: explicit configuration, then the
// DARWIN_SECRET_<COMPONENT> environment variable, then DefaultSecret unless
// RequireSecrets is set. Resolved secrets are sealed once and cached.
//
// # Thread Safety
//
// Safe for concurrent use.
type Keyring struct {
	mu        sync.Mutex
	enclaves  map[string]*memguard.Enclave
	require   bool
	lookupEnv func(string) (string, bool)
}

// NewKeyring creates a keyring. Explicit secrets are sealed immediately and
// the plain copies are not retained.
func NewKeyring(cfg KeyringConfig) *Keyring {
	k := &Keyring{
		enclaves:  make(map[string]*memguard.Enclave),
		require:   cfg.RequireSecrets,
		lookupEnv: os.LookupEnv,
	}
	for component, secret := range cfg.Secrets {
		if secret == "" {
			continue
		}
		if enclave := memguard.NewEnclave([]byte(secret)); enclave != nil {
			k.enclaves[componentKey(component)] = enclave
		}
	}
	return k
}

// SecretEnvKey returns the environment variable consulted for component.
func SecretEnvKey(component string) string {
	return secretEnvPrefix + componentKey(component)
}

// Resolve makes sure a secret is available for component.
//
// # Outputs
//
//   - error: ErrMissingSecret when RequireSecrets is set and neither the
//     configuration nor the environment provides one.
func (k *Keyring) Resolve(component string) error {
	_, err := k.enclave(component)
	return err
}

// Sign computes a keyed digest over data with the component's secret.
// The secret is only unsealed for the duration of the call.
func (k *Keyring) Sign(component string, data []byte) (string, error) {
	enclave, err := k.enclave(component)
	if err != nil {
		return "", err
	}
	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open secret enclave for %s: %w", component, err)
	}
	defer buf.Destroy()
	return keyedDigest(buf.Bytes(), data, lineageDigestSize), nil
}

func (k *Keyring) enclave(component string) (*memguard.Enclave, error) {
	key := componentKey(component)

	k.mu.Lock()
	defer k.mu.Unlock()

	if enclave, ok := k.enclaves[key]; ok {
		return enclave, nil
	}

	secret, ok := k.lookupEnv(secretEnvPrefix + key)
	if !ok || secret == "" {
		if k.require {
			return nil, fmt.Errorf("%w for component %q (set %s)", ErrMissingSecret, component, secretEnvPrefix+key)
		}
		secret = DefaultSecret
	}

	enclave := memguard.NewEnclave([]byte(secret))
	if enclave == nil {
		return nil, fmt.Errorf("seal secret for component %q", component)
	}
	k.enclaves[key] = enclave
	return enclave, nil
}

func componentKey(component string) string {
	return strings.ToUpper(strings.TrimSpace(component))
}
