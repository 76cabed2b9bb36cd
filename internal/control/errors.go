package control

import "github.com/pkg/errors"

var errNotConnected = errors.New("control: not connected")
