package config

import (
	"fmt"

	"github.com/mindhive/annotad/errors"
	"github.com/mindhive/annotad/internal/fsutil"
)

// APIKeys maps annotator identities to model API credentials. Each
// annotator carries its own key so the shared rate limiter can account
// per credential.
type APIKeys map[string]string

// LoadAPIKeys reads the credentials file. A missing file is an error:
// workers cannot run without credentials.
func LoadAPIKeys(path string) (APIKeys, error) {
	var keys APIKeys
	ok, err := fsutil.ReadJSON(path, &keys)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read api keys from %s", path)
	}
	if !ok {
		return nil, errors.Newf("api keys file missing or unreadable: %s", path)
	}
	return keys, nil
}

// Key returns the credential for an annotator, or ErrInvalidCredential
// when none is configured. The credential identifier doubles as the
// rate-limiter bucket key.
func (k APIKeys) Key(annotatorID int) (string, error) {
	id := CredentialID(annotatorID)
	key, ok := k[id]
	if !ok || key == "" {
		return "", errors.Wrapf(errors.ErrInvalidCredential, "no api key configured for %s", id)
	}
	return key, nil
}

// CredentialID is the stable bucket key for an annotator's credential.
func CredentialID(annotatorID int) string {
	return fmt.Sprintf("annotator_%d", annotatorID)
}
