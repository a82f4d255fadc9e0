package dcc

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress matches any *InvalidAddressError
	ErrInvalidAddress = errors.New("invalid address")
	// ErrDuplicateToken matches any *DuplicateTokenError
	ErrDuplicateToken = errors.New("duplicate token")
	// ErrSocket matches any *SocketError
	ErrSocket = errors.New("socket error")
	// ErrSelfTransfer matches any *SelfTransferError
	ErrSelfTransfer = errors.New("you can't DCC yourself")
	// ErrNotConnected matches any *NotConnectedError
	ErrNotConnected = errors.New("not connected")
	// ErrSessionClosed matches any *SessionClosedError
	ErrSessionClosed = errors.New("session closed")
	// ErrNegotiationConflict matches any *NegotiationConflictError
	ErrNegotiationConflict = errors.New("negotiation conflict")

	// ErrSocketClosed is reported when a peer closes a chat socket
	ErrSocketClosed = errors.New("socket closed")
	// ErrNotResendable is returned by Resend for incoming transfers
	ErrNotResendable = errors.New("only outgoing transfers can be resent")
	// ErrAlreadyStarted is returned when a transfer already has a socket
	ErrAlreadyStarted = errors.New("transfer already started")
	// ErrAlreadyComplete is returned by Accept when the whole file is already on disk
	ErrAlreadyComplete = errors.New("file already complete")
)

// InvalidAddressError is returned for addresses the legacy DCC integer form
// cannot represent
type InvalidAddressError struct {
	Address string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid DCC address %q: IPv4 required", e.Address)
}

func (e *InvalidAddressError) Is(target error) bool { return target == ErrInvalidAddress }

// DuplicateTokenError is returned when a token is registered twice
type DuplicateTokenError struct {
	Token string
}

func (e *DuplicateTokenError) Error() string {
	return fmt.Sprintf("token %q is already registered", e.Token)
}

func (e *DuplicateTokenError) Is(target error) bool { return target == ErrDuplicateToken }

// SocketError wraps an I/O failure during connect, accept, read or write
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("dcc %s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

func (e *SocketError) Is(target error) bool { return target == ErrSocket }

// SelfTransferError is returned when the remote nick is our own
type SelfTransferError struct {
	Nick string
}

func (e *SelfTransferError) Error() string {
	return fmt.Sprintf("cannot DCC %s: that is our own nickname", e.Nick)
}

func (e *SelfTransferError) Is(target error) bool { return target == ErrSelfTransfer }

// NotConnectedError is returned when the owning IRC connection is down
type NotConnectedError struct {
	Nick string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("cannot DCC %s: not connected to IRC", e.Nick)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

// SessionClosedError is returned by writes on a closed chat
type SessionClosedError struct {
	ID string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("chat %s is closed", e.ID)
}

func (e *SessionClosedError) Is(target error) bool { return target == ErrSessionClosed }

// NegotiationConflictError is returned when both peers ask the other to listen
type NegotiationConflictError struct {
	Nick string
}

func (e *NegotiationConflictError) Error() string {
	return fmt.Sprintf("both %s and we requested reverse DCC", e.Nick)
}

func (e *NegotiationConflictError) Is(target error) bool { return target == ErrNegotiationConflict }
