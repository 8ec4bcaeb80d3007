package pake

import (
	"fmt"

	"github.com/bytemare/opaque"
)

// ClientAttempt is the client role for a single registration or
// authentication run. It holds the OPRF blind and AKE state between the two
// messages, so it must not be shared or reused.
type ClientAttempt struct {
	client   *opaque.Client
	state    State
	clientID []byte
	serverID []byte
}

func NewClientAttempt(clientID, serverID []byte) (*ClientAttempt, error) {
	client, err := Suite().Client()
	if err != nil {
		return nil, fmt.Errorf("pake: client init: %w", err)
	}
	return &ClientAttempt{
		client:   client,
		state:    StateIdle,
		clientID: append([]byte(nil), clientID...),
		serverID: append([]byte(nil), serverID...),
	}, nil
}

func (a *ClientAttempt) State() State { return a.state }

// RegistrationInit blinds the phrase into the first registration message.
func (a *ClientAttempt) RegistrationInit(phrase []byte) ([]byte, error) {
	if a.state != StateIdle {
		return nil, ErrAttemptState
	}
	m1 := a.client.RegistrationInit(phrase)
	a.state = StateRequestSent
	return m1.Serialize(), nil
}

// RegistrationFinalize consumes the server's registration response and
// produces the record to upload plus the export key, which never leaves the
// client.
func (a *ClientAttempt) RegistrationFinalize(response []byte) (record, exportKey []byte, err error) {
	if a.state != StateRequestSent {
		return nil, nil, ErrAttemptState
	}
	a.state = StateResponseReceived

	m2, err := a.client.Deserialize.RegistrationResponse(response)
	if err != nil {
		a.state = StateFailed
		return nil, nil, ErrAuthFailed
	}
	m3, exportKey := a.client.RegistrationFinalize(m2, a.clientID, a.serverID)
	a.state = StateFinalized
	return m3.Serialize(), exportKey, nil
}

// AuthInit blinds the phrase into the KE1 credential request.
func (a *ClientAttempt) AuthInit(phrase []byte) ([]byte, error) {
	if a.state != StateIdle {
		return nil, ErrAttemptState
	}
	ke1 := a.client.LoginInit(phrase)
	a.state = StateRequestSent
	return ke1.Serialize(), nil
}

// AuthFinalize consumes KE2. On a phrase match it returns KE3 for the server
// along with the session key and the re-derived export key; any mismatch is
// the uniform ErrAuthFailed with no partial output.
func (a *ClientAttempt) AuthFinalize(ke2 []byte) (ke3, sessionKey, exportKey []byte, err error) {
	if a.state != StateRequestSent {
		return nil, nil, nil, ErrAttemptState
	}
	a.state = StateResponseReceived

	m2, err := a.client.Deserialize.KE2(ke2)
	if err != nil {
		a.state = StateFailed
		return nil, nil, nil, ErrAuthFailed
	}
	m3, exportKey, err := a.client.LoginFinish(a.clientID, a.serverID, m2)
	if err != nil {
		a.state = StateFailed
		return nil, nil, nil, ErrAuthFailed
	}
	a.state = StateFinalized
	return m3.Serialize(), a.client.SessionKey(), exportKey, nil
}
