package external

import "errors"

// ErrTransportLost is returned when the transport closes while a call is in
// flight. Prompts resolve with this error rather than hanging.
var ErrTransportLost = errors.New("transport lost")
