// Package rserrors collects the error-kind sentinels from the error
// taxonomy: ConfigError, CryptoError, AuthFailed, Replay,
// TransportError, DiscoveryError, CollaboratorError. Call sites wrap these
// with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
package rserrors

import "errors"

var (
	// ErrConfig covers malformed files, bad permissions, unparseable peer
	// codes. Fatal at startup.
	ErrConfig = errors.New("config error")

	// ErrCrypto covers keygen/DH/AEAD failures. Fatal at startup; during a
	// session the offending packet is dropped and a counter bumped.
	ErrCrypto = errors.New("crypto error")

	// ErrAuthFailed is an AEAD tag mismatch or signature mismatch. Always
	// silent at the packet level.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrReplay is a nonce rejected by the replay window. Always silent.
	ErrReplay = errors.New("replayed packet")

	// ErrTransport covers bubbled-up socket errors (ENETUNREACH and
	// friends); EAGAIN/EINTR are swallowed before reaching this sentinel.
	ErrTransport = errors.New("transport error")

	// ErrDiscovery marks a non-fatal failure in one discovery tier.
	ErrDiscovery = errors.New("discovery error")

	// ErrCollaborator marks a capture/encoder/audio backend failure.
	ErrCollaborator = errors.New("collaborator error")
)
