// Package auth implements the challenge-response exchange that gates a
// session before it may receive broadcasts. The exchange runs over the
// session's text-framed stream using a keyed MAC; the datagram channel itself
// is not authenticated beyond the handshake binding.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bulwark-server/bulwark/internal/session"
)

const (
	challengePrefix = "AUTH_CHALLENGE|"
	responsePrefix  = "AUTH_RESPONSE|"
	successLine     = "AUTH_SUCCESS"
	failedLine      = "AUTH_FAILED"

	// ResponseTimeout bounds the whole exchange, from the challenge being
	// sent to the response line arriving.
	ResponseTimeout = 30 * time.Second
)

var (
	// ErrInvalidResponse indicates the client's reply was not an AUTH_RESPONSE line.
	ErrInvalidResponse = errors.New("malformed authentication response")
	// ErrBadCredentials indicates the response MAC did not match the challenge.
	ErrBadCredentials = errors.New("authentication response did not match challenge")
)

// Authenticator verifies that connecting clients hold the shared secret.
type Authenticator struct {
	Secret []byte
	Logger *logrus.Logger
}

// NewChallenge generates a single-use challenge string of the form
// <unix-seconds>:<base64 of 16 random bytes>.
func (a *Authenticator) NewChallenge() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating challenge nonce: %w", err)
	}
	return fmt.Sprintf("%d:%s", time.Now().Unix(), base64.StdEncoding.EncodeToString(nonce)), nil
}

// ExpectedResponse computes the response a legitimate client will produce for
// challenge: Base64(HMAC-SHA256(secret, challenge)).
func (a *Authenticator) ExpectedResponse(challenge string) string {
	mac := hmac.New(sha256.New, a.Secret)
	mac.Write([]byte(challenge))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify compares response against the expected MAC for challenge in
// constant time.
func (a *Authenticator) Verify(challenge, response string) bool {
	expected := a.ExpectedResponse(challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}

// Authenticate runs the challenge-response exchange over the session's
// stream. On success the session is marked authenticated and sent
// AUTH_SUCCESS; on any failure AUTH_FAILED is sent if the stream is still
// writable and an error is returned. The caller owns disconnecting the
// session on error.
func (a *Authenticator) Authenticate(s *session.Session) error {
	challenge, err := a.NewChallenge()
	if err != nil {
		a.reject(s)
		return err
	}

	deadline := time.Now().Add(ResponseTimeout)
	stream := s.Stream()
	if err := stream.WriteLine(challengePrefix + challenge); err != nil {
		return fmt.Errorf("sending challenge: %w", err)
	}

	line, err := stream.ReadLine(deadline)
	if err != nil {
		a.reject(s)
		return fmt.Errorf("reading authentication response: %w", err)
	}

	if !strings.HasPrefix(line, responsePrefix) {
		a.reject(s)
		return ErrInvalidResponse
	}

	if !a.Verify(challenge, strings.TrimPrefix(line, responsePrefix)) {
		a.reject(s)
		return ErrBadCredentials
	}

	s.SetAuthenticated()
	a.Logger.Infof("session %d authenticated", s.ID())
	return stream.WriteLine(successLine)
}

func (a *Authenticator) reject(s *session.Session) {
	if err := s.Stream().WriteLine(failedLine); err != nil {
		a.Logger.Debugf("session %d: failed to send %s: %v", s.ID(), failedLine, err)
	}
}
