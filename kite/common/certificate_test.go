/*
 * Copyright (c) 2021, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"
)

func TestGenerateFrontEndCertificate(t *testing.T) {

	certificatePEM, privateKeyPEM, err := GenerateFrontEndCertificate("fe.example.org")
	if err != nil {
		t.Fatalf("generate failed: %s", err)
	}

	// The pair must load as a usable TLS key pair.
	_, err = tls.X509KeyPair([]byte(certificatePEM), []byte(privateKeyPEM))
	if err != nil {
		t.Fatalf("key pair load failed: %s", err)
	}

	block, _ := pem.Decode([]byte(certificatePEM))
	if block == nil {
		t.Fatal("invalid certificate PEM")
	}
	certificate, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if certificate.Subject.CommonName != "fe.example.org" {
		t.Fatalf("unexpected common name: %s", certificate.Subject.CommonName)
	}
	now := time.Now()
	if now.Before(certificate.NotBefore) || now.After(certificate.NotAfter) {
		t.Fatalf("certificate not currently valid: %s - %s",
			certificate.NotBefore, certificate.NotAfter)
	}
}
