package gmailsmtp

import (
	"errors"

	"github.com/emersion/go-sasl"
)

// Xoauth2 is the SASL mechanism name Gmail uses for bearer tokens.
const Xoauth2 = "XOAUTH2"

type xoauth2Client struct {
	username string
	token    string
}

// NewXoauth2Client returns a sasl.Client that authenticates username with
// an OAuth2 access token.
func NewXoauth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (a *xoauth2Client) Start() (mech string, ir []byte, err error) {
	return Xoauth2, xoauth2Response(a.username, a.token), nil
}

// Next is only reached when the server rejects the token: it sends a JSON
// error challenge and expects an empty reply before returning the failure.
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, errors.New("xoauth2: unexpected empty challenge")
	}
	return []byte{}, nil
}

func xoauth2Response(username, token string) []byte {
	return []byte("user=" + username + "\x01auth=Bearer " + token + "\x01\x01")
}
