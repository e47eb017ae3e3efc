package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// TLSConnector dials the IMAP server and negotiates encryption according to
// the mailbox configuration: nothing, implicit TLS on connect, or a
// plaintext handshake followed by a STARTTLS upgrade on the same socket.
//
// Every failure comes back as a recoverable ConnectionError or TLSError; a
// bad certificate must never take the process down.
type TLSConnector struct {
	log  *zap.SugaredLogger
	conf MailboxConfig
}

func NewTLSConnector(log *zap.SugaredLogger, conf MailboxConfig) *TLSConnector {
	return &TLSConnector{log: log, conf: conf}
}

// Connect returns a client in the not-authenticated state with encryption
// already negotiated.
func (tc *TLSConnector) Connect() (*client.Client, error) {
	addr := tc.conf.Addr()
	switch tc.conf.Encryption {
	case EncryptionSSL:
		tlsConfig, err := tc.tlsConfig()
		if err != nil {
			return nil, err
		}
		c, err := client.DialTLS(addr, tlsConfig)
		if err != nil {
			return nil, classifyTLSError(err)
		}
		return c, nil

	case EncryptionStartTLS:
		c, err := client.Dial(addr)
		if err != nil {
			return nil, &ConnectionError{Op: "dial", Err: err}
		}
		tlsConfig, err := tc.tlsConfig()
		if err != nil {
			_ = c.Terminate()
			return nil, err
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Terminate()
			return nil, classifyTLSError(err)
		}
		return c, nil

	default:
		c, err := client.Dial(addr)
		if err != nil {
			return nil, &ConnectionError{Op: "dial", Err: err}
		}
		return c, nil
	}
}

// tlsConfig maps the three-valued certificate policy and the independent
// hostname check onto a single tls.Config. All security-sensitive branching
// lives here.
func (tc *TLSConnector) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{ServerName: tc.conf.Host}

	if tc.conf.CertificateCAFile != "" {
		pem, err := os.ReadFile(tc.conf.CertificateCAFile)
		if err != nil {
			return nil, &ConnectionError{Op: "read ca file", Err: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &TLSError{
				Cause: TLSFailureChain,
				Err:   fmt.Errorf("no certificates in %s", tc.conf.CertificateCAFile),
			}
		}
		cfg.RootCAs = pool
	}

	switch tc.conf.CertificateCheck {
	case CertCheckRequired:
		if !tc.conf.HostnameCheck {
			// Chain must verify but the name on the certificate is not
			// matched against the configured host.
			cfg.InsecureSkipVerify = true
			cfg.VerifyPeerCertificate = chainOnlyVerifier(cfg.RootCAs)
		}
	case CertCheckOptional:
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = tc.optionalVerifier(cfg.RootCAs)
	case CertCheckNone:
		cfg.InsecureSkipVerify = true
		if tc.conf.HostnameCheck {
			cfg.VerifyConnection = tc.hostnameOnlyVerifier()
		}
	}

	return cfg, nil
}

// chainOnlyVerifier verifies the presented chain against roots without a
// hostname match. Used for required policy with the hostname check off.
func chainOnlyVerifier(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		certs, err := parsePeerCertificates(rawCerts)
		if err != nil {
			return err
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := certs[0].Verify(opts); err != nil {
			return err
		}
		return nil
	}
}

// optionalVerifier attempts full verification but only logs failures; the
// connection proceeds either way.
func (tc *TLSConnector) optionalVerifier(roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			tc.log.Warnf("%s: server presented no certificate", tc.conf.Name)
			return nil
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
			tc.log.Warnf("%s: certificate verification failed (policy optional, continuing): %s",
				tc.conf.Name, err)
		} else if tc.conf.HostnameCheck {
			if err := cs.PeerCertificates[0].VerifyHostname(tc.conf.Host); err != nil {
				tc.log.Warnf("%s: hostname verification failed (policy optional, continuing): %s",
					tc.conf.Name, err)
			}
		}
		return nil
	}
}

// hostnameOnlyVerifier checks the certificate name against the configured
// host and logs mismatches. The hostname check applies independently of the
// chain policy; under a non-required policy it never rejects.
func (tc *TLSConnector) hostnameOnlyVerifier() func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return nil
		}
		if err := cs.PeerCertificates[0].VerifyHostname(tc.conf.Host); err != nil {
			tc.log.Warnf("%s: hostname verification failed (policy none, continuing): %s",
				tc.conf.Name, err)
		}
		return nil
	}
}

func parsePeerCertificates(rawCerts [][]byte) ([]*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, errors.New("server presented no certificate")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("parse peer certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// classifyTLSError tags a failed negotiation with a distinguishable cause.
// Plain network failures during dial stay ConnectionErrors.
func classifyTLSError(err error) error {
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return &TLSError{Cause: TLSFailureHostname, Err: err}
	}
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		if invalidErr.Reason == x509.Expired {
			return &TLSError{Cause: TLSFailureExpired, Err: err}
		}
		return &TLSError{Cause: TLSFailureChain, Err: err}
	}
	var authErr x509.UnknownAuthorityError
	if errors.As(err, &authErr) {
		return &TLSError{Cause: TLSFailureChain, Err: err}
	}
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return &TLSError{Cause: TLSFailureChain, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &ConnectionError{Op: "dial", Err: err}
	}
	return &TLSError{Cause: TLSFailureHandshake, Err: err}
}
