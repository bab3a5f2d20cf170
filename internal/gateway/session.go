package gateway

import (
	"encoding/json"
	"os"
)

// The login bundle is produced by an external login component; the gateway
// only reads it. Expected shape:
//
//	{"data": {"subscriberId": "...", "userAuthenticateToken": "..."}}

type loginFile struct {
	Data struct {
		SubscriberID          string `json:"subscriberId"`
		UserAuthenticateToken string `json:"userAuthenticateToken"`
	} `json:"data"`
}

// LoadSession reads the login bundle at path. A missing file yields
// ErrAuthRequired; a present but malformed bundle yields ErrInvalidSession.
func LoadSession(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, ErrAuthRequired
	}

	var lf loginFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return Session{}, ErrInvalidSession
	}
	if lf.Data.SubscriberID == "" || lf.Data.UserAuthenticateToken == "" {
		return Session{}, ErrInvalidSession
	}

	return Session{
		SubscriberID: lf.Data.SubscriberID,
		Token:        lf.Data.UserAuthenticateToken,
	}, nil
}
