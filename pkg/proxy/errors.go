package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"syscall"
)

// Upstream error reasons, used as a low-cardinality metric label.
const (
	ReasonCanceled = "canceled"
	ReasonTimeout  = "timeout"
	ReasonTLS      = "tls"
	ReasonDNS      = "dns"
	ReasonRefused  = "refused"
	ReasonOther    = "other"
)

// ClassifyError maps an upstream transport error to a reason.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) || errors.As(err, &invalidErr) ||
		errors.As(err, &recordErr) {
		return ReasonTLS
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReasonDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ReasonRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonOther
}

// StatusForReason returns the status code surfaced to the client.
func StatusForReason(reason string) int {
	if reason == ReasonTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
