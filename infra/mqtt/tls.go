package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

func validateTLSFiles(f coremqtt.TLSFiles) error {
	if f.CAFile == "" && f.CAPath == "" {
		return coremqtt.Errorf(coremqtt.CodeInval, "tls requires ca_file or ca_path")
	}
	if (f.CertFile == "") != (f.KeyFile == "") {
		return coremqtt.Errorf(coremqtt.CodeInval, "tls requires both cert_file and key_file")
	}
	for _, path := range []string{f.CAFile, f.CertFile, f.KeyFile} {
		if path == "" {
			continue
		}
		fh, err := os.Open(path)
		if err != nil {
			return coremqtt.Errorf(coremqtt.CodeInval, "open %s: %v", path, err)
		}
		_ = fh.Close()
	}
	if f.CAPath != "" {
		st, err := os.Stat(f.CAPath)
		if err != nil {
			return coremqtt.Errorf(coremqtt.CodeInval, "stat %s: %v", f.CAPath, err)
		}
		if !st.IsDir() {
			return coremqtt.Errorf(coremqtt.CodeInval, "ca_path %s is not a directory", f.CAPath)
		}
	}
	return nil
}

// LoadTLSConfig builds a client TLS configuration from certificate files.
// With insecure the server certificate chain is still verified against the
// configured CAs but its hostname is not.
func LoadTLSConfig(f coremqtt.TLSFiles, insecure bool) (*tls.Config, error) {
	pool := x509.NewCertPool()
	loaded := 0
	if f.CAFile != "" {
		caBytes, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, coremqtt.Errorf(coremqtt.CodeTLS, "read ca: %v", err)
		}
		if pool.AppendCertsFromPEM(caBytes) {
			loaded++
		}
	}
	if f.CAPath != "" {
		entries, err := os.ReadDir(f.CAPath)
		if err != nil {
			return nil, coremqtt.Errorf(coremqtt.CodeTLS, "read ca path: %v", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(f.CAPath, e.Name()))
			if err != nil {
				continue
			}
			if pool.AppendCertsFromPEM(data) {
				loaded++
			}
		}
	}
	if loaded == 0 {
		return nil, coremqtt.Errorf(coremqtt.CodeTLS, "no CA certificates found")
	}

	cfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if f.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, coremqtt.Errorf(coremqtt.CodeTLS, "load cert: %v", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if insecure {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChainOnly(pool)
	}
	return cfg, nil
}

// verifyChainOnly checks the presented chain against roots without matching
// the server name.
func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(raw [][]byte, _ [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return fmt.Errorf("server presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(raw))
		for _, der := range raw {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return fmt.Errorf("parse server certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		inter := x509.NewCertPool()
		for _, cert := range certs[1:] {
			inter.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: inter})
		return err
	}
}
