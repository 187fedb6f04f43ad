package rpc

import "errors"

var (
	ErrNoResponse               = errors.New("no usable response")
	ErrUnexpectedResponse       = errors.New("unexpected response")
	ErrDuplicateID              = errors.New("request id already outstanding")
	ErrAlreadySubscribed        = errors.New("subscription already has a handler")
	ErrSubscriptionsUnsupported = errors.New("transport does not support subscriptions")
	ErrInvalidSubscriptionID    = errors.New("subscription id must be a string or number")
	ErrConnectionClosed         = errors.New("connection closed")
	ErrUnknownPlugin            = errors.New("unknown plugin")
)
