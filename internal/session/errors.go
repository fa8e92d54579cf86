package session

import "errors"

var (
	ErrHandshake   = errors.New("handshake failed")
	ErrProtocol    = errors.New("protocol violation")
	ErrPeerClosed  = errors.New("peer closed the connection")
	ErrPeer        = errors.New("peer reported an error")
	ErrIO          = errors.New("connection error")
	ErrCancelled   = errors.New("transfer cancelled")
	ErrFileOpen    = errors.New("unable to open file")
	ErrFileRead    = errors.New("unable to read file")
	ErrFileChanged = errors.New("file changed since it was added")
	ErrFileWrite   = errors.New("unable to write file")
	ErrChecksum    = errors.New("checksum mismatch")
)
