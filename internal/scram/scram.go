// Package scram implements the client side of SCRAM-SHA-256 and
// SCRAM-SHA-256-PLUS (RFC 5802, RFC 7677), including tls-server-end-point
// channel binding.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	MechanismSHA256     = "SCRAM-SHA-256"
	MechanismSHA256Plus = "SCRAM-SHA-256-PLUS"
)

// PeerCertSource exposes whatever a transport needs to provide for channel
// binding: its TLS status and backend leaf certificate.
type PeerCertSource interface {
	PeerCertificate() (cert *x509.Certificate, ok bool)
	IsTLS() bool
}

type phase int

const (
	phaseInitial phase = iota
	phaseResponseSent
	phaseDone
)

// Session is a single-use SCRAM exchange: one StartSession, one
// ContinueSession, one FinalizeSession, then discard it.
type Session struct {
	mechanism       string
	clientNonce     string
	clientFirstBare string
	phase           phase
	serverSignature string // base64, set once ContinueSession succeeds
}

func (s *Session) Mechanism() string { return s.mechanism }

func containsString(list []string, v string) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}

// StartSession picks the strongest mechanism the server offered that this
// client can support and builds the client-first-message.
func StartSession(offeredMechanisms []string, enableChannelBinding bool, transport PeerCertSource) (*Session, string, error) {
	haveCert := false
	if transport != nil && enableChannelBinding {
		_, haveCert = transport.PeerCertificate()
	}

	candidates := make([]string, 0, 2)
	if haveCert {
		candidates = append(candidates, MechanismSHA256Plus)
	}
	candidates = append(candidates, MechanismSHA256)

	chosen := ""
	for _, c := range candidates {
		if containsString(offeredMechanisms, c) {
			chosen = c
			break
		}
	}
	if chosen == "" {
		return nil, "", fmt.Errorf("scram: only %s/%s supported, server offered %v", MechanismSHA256, MechanismSHA256Plus, offeredMechanisms)
	}

	var gs2Header string
	switch {
	case chosen == MechanismSHA256Plus:
		gs2Header = "p=tls-server-end-point"
	case transport != nil && transport.IsTLS():
		gs2Header = "y"
	default:
		gs2Header = "n"
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, "", fmt.Errorf("scram: generating client nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	clientFirstBare := fmt.Sprintf("n=*,r=%s", clientNonce)
	clientFirst := gs2Header + ",," + clientFirstBare

	s := &Session{
		mechanism:       chosen,
		clientNonce:     clientNonce,
		clientFirstBare: clientFirstBare,
		phase:           phaseInitial,
	}
	return s, clientFirst, nil
}

// nonce characters: printable ASCII excluding comma, per RFC 5802's "printable".
var nonceCharsRe = regexp.MustCompile(`^[\x21-\x2B\x2D-\x7E]+$`)

func parseAttributes(msg string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		idx := strings.IndexByte(part, '=')
		if idx < 1 {
			return nil, fmt.Errorf("scram: malformed attribute %q", part)
		}
		attrs[part[:idx]] = part[idx+1:]
	}
	return attrs, nil
}

// ContinueSession validates the server-first-message and returns the
// client-final-message to send in response.
func ContinueSession(s *Session, password string, serverFirst string, transport PeerCertSource) (string, error) {
	if s.phase != phaseInitial {
		return "", fmt.Errorf("scram: ContinueSession called out of order")
	}

	attrs, err := parseAttributes(serverFirst)
	if err != nil {
		return "", err
	}

	nonce, ok := attrs["r"]
	if !ok || !nonceCharsRe.MatchString(nonce) {
		return "", fmt.Errorf("scram: invalid or missing server nonce")
	}
	if !strings.HasPrefix(nonce, s.clientNonce) || len(nonce) <= len(s.clientNonce) {
		return "", fmt.Errorf("scram: server nonce does not strictly extend the client nonce")
	}

	saltB64, ok := attrs["s"]
	if !ok {
		return "", fmt.Errorf("scram: missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", fmt.Errorf("scram: decoding salt: %w", err)
	}

	iterStr, ok := attrs["i"]
	if !ok {
		return "", fmt.Errorf("scram: missing iteration count")
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return "", fmt.Errorf("scram: invalid iteration count %q", iterStr)
	}

	cbind, err := s.channelBindingToken(transport)
	if err != nil {
		return "", err
	}

	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", cbind, nonce)
	authMessage := s.clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))

	s.serverSignature = base64.StdEncoding.EncodeToString(serverSignature)
	s.phase = phaseResponseSent

	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof), nil
}

// channelBindingToken returns the base64 "cbind-input" (gs2-header plus,
// for -PLUS, the tls-server-end-point hash of the peer certificate).
func (s *Session) channelBindingToken(transport PeerCertSource) (string, error) {
	switch s.mechanism {
	case MechanismSHA256Plus:
		if transport == nil {
			return "", fmt.Errorf("scram: SCRAM-SHA-256-PLUS chosen without a transport")
		}
		cert, ok := transport.PeerCertificate()
		if !ok {
			return "", fmt.Errorf("scram: SCRAM-SHA-256-PLUS chosen without a peer certificate")
		}
		h, err := certEndpointHash(cert)
		if err != nil {
			return "", err
		}
		cbindData := append([]byte("p=tls-server-end-point,,"), h...)
		return base64.StdEncoding.EncodeToString(cbindData), nil
	default:
		if transport != nil && transport.IsTLS() {
			return base64.StdEncoding.EncodeToString([]byte("y,,")), nil
		}
		return base64.StdEncoding.EncodeToString([]byte("n,,")), nil
	}
}

// certEndpointHash implements RFC 5929's tls-server-end-point binding: the
// hash from the certificate's own signature algorithm, substituting
// SHA-256 whenever that algorithm is MD5 or SHA-1.
func certEndpointHash(cert *x509.Certificate) ([]byte, error) {
	switch cert.SignatureAlgorithm {
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384:
		h := sha512.Sum384(cert.Raw)
		return h[:], nil
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512:
		h := sha512.Sum512(cert.Raw)
		return h[:], nil
	default:
		// Covers SHA-256 algorithms directly, and substitutes SHA-256 for
		// MD5/SHA-1 (and anything else) per RFC 5929 §4.1.
		h := sha256.Sum256(cert.Raw)
		return h[:], nil
	}
}

// FinalizeSession validates the server-final-message's verifier against
// the signature computed in ContinueSession.
func FinalizeSession(s *Session, serverFinal string) error {
	if s.phase != phaseResponseSent {
		return fmt.Errorf("scram: FinalizeSession called out of order")
	}
	defer func() { s.phase = phaseDone }()

	attrs, err := parseAttributes(serverFinal)
	if err != nil {
		return err
	}
	if e, ok := attrs["e"]; ok {
		return fmt.Errorf("scram: server reported error: %s", e)
	}
	v, ok := attrs["v"]
	if !ok {
		return fmt.Errorf("scram: server-final-message missing verifier")
	}
	if v != s.serverSignature {
		return fmt.Errorf("scram: server signature verification failed")
	}
	return nil
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func sha256Sum(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
