package schema

import "errors"

// ErrOpenSessionExists is returned by the session store when the
// unique open-session constraint rejects a concurrent open
var ErrOpenSessionExists = errors.New("an open sync session already exists for this user")
