package model

import "errors"

var ErrEmptyPayload = errors.New("announcement has no payload")
