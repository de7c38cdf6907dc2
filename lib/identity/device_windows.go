// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package identity

import (
	"golang.org/x/sys/windows/registry"
)

// LocalMachineStore returns the production RegistryStore reading from
// HKEY_LOCAL_MACHINE.
func LocalMachineStore() RegistryStore {
	return localMachineStore{}
}

type localMachineStore struct{}

func (localMachineStore) OpenKey(path string) (RegistryKey, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.READ)
	if err != nil {
		return nil, err
	}
	return localMachineKey{key}, nil
}

type localMachineKey struct {
	key registry.Key
}

func (k localMachineKey) Subkeys() ([]string, error) {
	return k.key.ReadSubKeyNames(0)
}

func (k localMachineKey) BinaryValue(name string) ([]byte, error) {
	value, _, err := k.key.GetBinaryValue(name)
	return value, err
}

func (k localMachineKey) StringValue(name string) (string, error) {
	value, _, err := k.key.GetStringValue(name)
	return value, err
}

func (k localMachineKey) Close() error {
	return k.key.Close()
}
