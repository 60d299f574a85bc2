// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package selfsigned generates self-signed TLS certificates, suitable
// for test clusters and single-host proof-of-concept deployments.
package selfsigned

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

type CertGenerator struct {
	Bits  int
	Hosts []string
	IsCA  bool
}

// Generate returns a new self-signed certificate covering the
// configured hosts, valid for one year.
func (gen CertGenerator) Generate() (cert tls.Certificate, err error) {
	keyUsage := x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	if gen.IsCA {
		keyUsage |= x509.KeyUsageCertSign
	}
	notBefore := time.Now()
	notAfter := time.Now().Add(time.Hour * 24 * 365)
	snMax := new(big.Int).Lsh(big.NewInt(1), 128)
	sn, err := rand.Int(rand.Reader, snMax)
	if err != nil {
		err = fmt.Errorf("error generating serial number: %w", err)
		return
	}
	template := x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			Organization: []string{"Spillway"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  gen.IsCA,
	}
	for _, h := range gen.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	bits := gen.Bits
	if bits == 0 {
		bits = 4096
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		err = fmt.Errorf("error generating key: %w", err)
		return
	}
	certder, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		err = fmt.Errorf("error creating certificate: %w", err)
		return
	}
	cert = tls.Certificate{
		Certificate: [][]byte{certder},
		PrivateKey:  priv,
	}
	return
}

// WritePEM writes a certificate returned by Generate, and its private
// key, to the named files in PEM format.
func WritePEM(cert tls.Certificate, certfile, keyfile string) error {
	priv, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("unsupported private key type %T", cert.PrivateKey)
	}
	buf, err := encodePEM("CERTIFICATE", cert.Certificate[0])
	if err != nil {
		return err
	}
	if err := os.WriteFile(certfile, buf, 0666); err != nil {
		return err
	}
	buf, err = encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
	if err != nil {
		return err
	}
	return os.WriteFile(keyfile, buf, 0600)
}

func encodePEM(blocktype string, der []byte) ([]byte, error) {
	block := pem.EncodeToMemory(&pem.Block{Type: blocktype, Bytes: der})
	if block == nil {
		return nil, fmt.Errorf("error encoding %s block", blocktype)
	}
	return block, nil
}
