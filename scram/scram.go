// Package scram implements the client side of RFC 5802 SCRAM-SHA-256,
// used as a SASL mechanism during IRC connection registration (spec.md
// §4.4). The state progression mirrors the teacher's explicit
// struct-field state machines (e.g. capability.Manager, irc's CAP
// sub-state-machine) rather than a callback chain.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// State is the explicit five-state progression of one SCRAM exchange.
type State int

const (
	Initial State = iota
	AwaitServerFirst
	AwaitServerFinal
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case AwaitServerFirst:
		return "await-server-first"
	case AwaitServerFinal:
		return "await-server-final"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Errors surfaced by Client.
var (
	ErrWrongState      = errors.New("scram: message not expected in current state")
	ErrMissingTokens   = errors.New("scram: server-first reply missing r/s/i")
	ErrNonceMismatch   = errors.New("scram: server nonce does not extend client nonce")
	ErrServerRejected  = errors.New("scram: server signaled an error")
	ErrVerifierMismatch = errors.New("scram: server signature verification failed")
)

// Client drives one SCRAM-SHA-256 authentication exchange. Channel
// binding is fixed at "n,," (gs2-cbind-flag 'n', no channel binding),
// per spec.md §6.
type Client struct {
	state State

	username string
	password string

	clientNonce string
	serverNonce string
	salt        []byte
	iterations  int

	clientFirstBare string
	serverFirst     string
	saltedPassword  []byte
}

// NewClient begins a new exchange for the given SASL authzid-equivalent
// username and password. Username has ',' and '=' escaped as "=2C" and
// "=3D" per RFC 5802 §5.1; no SASLprep normalisation is applied.
func NewClient(username, password string) (*Client, error) {
	nonce, err := generateNonce(24)
	if err != nil {
		return nil, err
	}
	return &Client{
		state:       Initial,
		username:    escapeUsername(username),
		password:    password,
		clientNonce: nonce,
	}, nil
}

func escapeUsername(u string) string {
	u = strings.ReplaceAll(u, "=", "=3D")
	u = strings.ReplaceAll(u, ",", "=2C")
	return u
}

// generateNonce returns n random bytes, base64-encoded with URL-unsafe
// '+'/'/' replaced so the result never contains ',' or '='.
func generateNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding.EncodeToString(buf)
	enc = strings.ReplaceAll(enc, "-", "A")
	enc = strings.ReplaceAll(enc, "_", "B")
	return enc, nil
}

// State returns the current progression stage.
func (c *Client) State() State { return c.state }

// FirstMessage returns the "client-first-message" to send as the
// AUTHENTICATE payload (gs2 header + username + nonce).
func (c *Client) FirstMessage() (string, error) {
	if c.state != Initial {
		return "", ErrWrongState
	}
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", c.username, c.clientNonce)
	c.state = AwaitServerFirst
	return "n,," + c.clientFirstBare, nil
}

// FinalMessage consumes the server-first message and returns the
// "client-final-message" containing the computed ClientProof.
func (c *Client) FinalMessage(serverFirst string) (string, error) {
	if c.state != AwaitServerFirst {
		return "", ErrWrongState
	}
	c.serverFirst = serverFirst

	r, s, i, err := parseServerFirst(serverFirst)
	if err != nil {
		c.state = Failed
		return "", err
	}
	if !strings.HasPrefix(r, c.clientNonce) {
		c.state = Failed
		return "", ErrNonceMismatch
	}
	c.serverNonce = r
	salt, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		c.state = Failed
		return "", fmt.Errorf("scram: bad salt encoding: %w", err)
	}
	c.salt = salt
	c.iterations = i

	c.saltedPassword = pbkdf2.Key([]byte(c.password), c.salt, c.iterations, sha256.Size, sha256.New)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, c.serverNonce)
	authMessage := c.clientFirstBare + "," + c.serverFirst + "," + clientFinalWithoutProof

	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	c.state = AwaitServerFinal
	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof), nil
}

// VerifyFinal consumes the server-final message ("v=..." on success, or
// "e=..." on failure) and confirms the mutual-auth ServerSignature in
// constant time.
func (c *Client) VerifyFinal(serverFinal string) error {
	if c.state != AwaitServerFinal {
		return ErrWrongState
	}
	if strings.HasPrefix(serverFinal, "e=") {
		c.state = Failed
		return fmt.Errorf("%w: %s", ErrServerRejected, serverFinal[2:])
	}
	if !strings.HasPrefix(serverFinal, "v=") {
		c.state = Failed
		return errors.New("scram: malformed server-final message")
	}
	gotSig, err := base64.StdEncoding.DecodeString(serverFinal[2:])
	if err != nil {
		c.state = Failed
		return fmt.Errorf("scram: bad server signature encoding: %w", err)
	}

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, c.serverNonce)
	authMessage := c.clientFirstBare + "," + c.serverFirst + "," + clientFinalWithoutProof

	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	wantSig := hmacSHA256(serverKey, []byte(authMessage))

	if subtle.ConstantTimeCompare(gotSig, wantSig) != 1 {
		c.state = Failed
		return ErrVerifierMismatch
	}
	c.state = Complete
	return nil
}

func parseServerFirst(msg string) (r, s string, i int, err error) {
	for _, field := range strings.Split(msg, ",") {
		if len(field) < 2 || field[1] != '=' {
			continue
		}
		switch field[0] {
		case 'r':
			r = field[2:]
		case 's':
			s = field[2:]
		case 'i':
			i, err = strconv.Atoi(field[2:])
			if err != nil {
				return "", "", 0, fmt.Errorf("scram: bad iteration count: %w", err)
			}
		}
	}
	if r == "" || s == "" || i == 0 {
		return "", "", 0, ErrMissingTokens
	}
	return r, s, i, nil
}

func hmacSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
