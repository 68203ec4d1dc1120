package bindings

import "errors"

var errUnknownStream = errors.New("bindings: unknown stream")
