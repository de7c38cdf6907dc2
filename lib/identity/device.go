// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// JoinInfo is one device-join record: the tenant the device is joined
// to, the device id from the join certificate (empty when no
// certificate matches the tenant), and the user who registered the
// join.
type JoinInfo struct {
	TenantID       string
	DeviceID       string
	RegisteredUser string
}

// RegistryStore opens keys under HKEY_LOCAL_MACHINE. The production
// implementation wraps golang.org/x/sys/windows/registry; tests use an
// in-memory fake.
type RegistryStore interface {
	OpenKey(path string) (RegistryKey, error)
}

// RegistryKey is an open registry key.
type RegistryKey interface {
	// Subkeys returns the names of all direct subkeys.
	Subkeys() ([]string, error)
	// BinaryValue reads a REG_BINARY value.
	BinaryValue(name string) ([]byte, error)
	// StringValue reads a REG_SZ value.
	StringValue(name string) (string, error)
	Close() error
}

const (
	certStorePath = `SOFTWARE\Microsoft\SystemCertificates\MY\Certificates`
	joinInfoPath  = `SYSTEM\CurrentControlSet\Control\CloudDomainJoin\JoinInfo`
)

// certMarker precedes the DER certificate inside a machine-store
// certificate blob. The blob layout is undocumented and
// platform-version-dependent; the marker plus a 4-byte little-endian
// length field is what ships in practice.
var certMarker = []byte{0x20, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}

var (
	oidDomainComponent = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}
	oidCommonName      = asn1.ObjectIdentifier{2, 5, 4, 3}
)

// Correlator produces device-join records from the machine certificate
// store and the CloudDomainJoin registry metadata.
type Correlator struct {
	store  RegistryStore
	logger *slog.Logger
}

// NewCorrelator returns a Correlator reading from store.
func NewCorrelator(store RegistryStore, logger *slog.Logger) *Correlator {
	return &Correlator{store: store, logger: logger}
}

// JoinInfos returns one record per CloudDomainJoin tenant entry. A
// registry open or read failure aborts the whole call — partial lists
// are never returned. Per-certificate marker or parse failures only
// shrink the tenant→device map: the affected tenant still gets a
// record with an empty DeviceID.
func (c *Correlator) JoinInfos() ([]JoinInfo, error) {
	devices, err := c.deviceCertificates()
	if err != nil {
		return nil, err
	}

	joinKey, err := c.store.OpenKey(joinInfoPath)
	if err != nil {
		return nil, fmt.Errorf("opening join info key: %w", err)
	}
	defer joinKey.Close()

	tenants, err := joinKey.Subkeys()
	if err != nil {
		return nil, fmt.Errorf("enumerating join info entries: %w", err)
	}

	results := make([]JoinInfo, 0, len(tenants))
	for _, name := range tenants {
		entry, err := c.store.OpenKey(joinInfoPath + `\` + name)
		if err != nil {
			return nil, fmt.Errorf("opening join info entry %s: %w", name, err)
		}
		tenantID, err := entry.StringValue("TenantId")
		if err != nil {
			entry.Close()
			return nil, fmt.Errorf("reading TenantId from %s: %w", name, err)
		}
		registeredUser, err := entry.StringValue("UserEmail")
		if err != nil {
			entry.Close()
			return nil, fmt.Errorf("reading UserEmail from %s: %w", name, err)
		}
		entry.Close()

		results = append(results, JoinInfo{
			TenantID:       tenantID,
			DeviceID:       devices[tenantID], // "" when no certificate matched
			RegisteredUser: registeredUser,
		})
	}

	return results, nil
}

// deviceCertificates scans the machine certificate store and returns a
// tenant-id → device-id map built from device-join certificates, whose
// subject carries the tenant as a domainComponent and the device id as
// the commonName.
func (c *Correlator) deviceCertificates() (map[string]string, error) {
	storeKey, err := c.store.OpenKey(certStorePath)
	if err != nil {
		return nil, fmt.Errorf("opening certificate store key: %w", err)
	}
	defer storeKey.Close()

	names, err := storeKey.Subkeys()
	if err != nil {
		return nil, fmt.Errorf("enumerating certificate entries: %w", err)
	}

	devices := make(map[string]string)
	for _, name := range names {
		entry, err := c.store.OpenKey(certStorePath + `\` + name)
		if err != nil {
			return nil, fmt.Errorf("opening certificate entry %s: %w", name, err)
		}
		blob, err := entry.BinaryValue("Blob")
		entry.Close()
		if err != nil {
			return nil, fmt.Errorf("reading certificate blob %s: %w", name, err)
		}

		der, ok := certificateFromBlob(blob)
		if !ok {
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			// Not a fatal condition: the entry is treated as not
			// being a join certificate.
			if c.logger != nil {
				c.logger.Debug("skipping unparseable certificate", "entry", name, "error", err)
			}
			continue
		}

		tenant, device, ok := joinSubject(cert.Subject)
		if ok {
			devices[tenant] = device
		}
	}

	return devices, nil
}

// certificateFromBlob locates the DER certificate inside a machine
// certificate store blob. The certificate follows the marker and a
// 4-byte little-endian length field. The length is validated against
// the remaining buffer; an implausible length falls back to taking
// everything after the field, since the blob layout is undocumented
// and observed blobs end at the certificate.
func certificateFromBlob(blob []byte) ([]byte, bool) {
	offset := bytes.Index(blob, certMarker)
	if offset < 0 {
		return nil, false
	}

	start := offset + len(certMarker) + 4
	if start >= len(blob) {
		return nil, false
	}

	length := int(binary.LittleEndian.Uint32(blob[offset+len(certMarker) : start]))
	if length > 0 && start+length <= len(blob) {
		return blob[start : start+length], true
	}
	return blob[start:], true
}

// joinSubject extracts the first domainComponent (tenant id) and first
// commonName (device id) from a certificate subject. Both must be
// present for the certificate to contribute.
func joinSubject(subject pkix.Name) (tenant, device string, ok bool) {
	var haveTenant, haveDevice bool
	for _, attr := range subject.Names {
		value, isString := attr.Value.(string)
		if !isString {
			continue
		}
		switch {
		case !haveTenant && attr.Type.Equal(oidDomainComponent):
			tenant = value
			haveTenant = true
		case !haveDevice && attr.Type.Equal(oidCommonName):
			device = value
			haveDevice = true
		}
	}
	return tenant, device, haveTenant && haveDevice
}
