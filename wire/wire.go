//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package wire defines the session message envelope and its binary frame.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Magic marks the start of every frame ("FLW1").
const Magic uint32 = 0x464c5731

// HeaderLen is the size of the fixed frame header.
const HeaderLen = 40

var (
	ErrShortHeader      = errors.New("wire: short header")
	ErrBadMagic         = errors.New("wire: bad magic")
	ErrUnknownKind      = errors.New("wire: unknown message kind")
	ErrPayloadTooLarge  = errors.New("wire: payload too large")
	ErrIdentityTooLarge = errors.New("wire: identity too large")
	ErrTruncated        = errors.New("wire: truncated frame")
)

// Identity names a party on the network.
type Identity string

// Kind is the message kind carried by an envelope.
type Kind uint8

const (
	// KindInit opens a session. Its payload is an encoded session init.
	KindInit Kind = iota + 1
	// KindData carries an encoded flow payload.
	KindData
	// KindEnd tells the peer the sending flow finished normally.
	KindEnd
	// KindAbort tells the peer the sending flow failed. Its payload is an
	// encoded abort notice.
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindData:
		return "data"
	case KindEnd:
		return "end"
	case KindAbort:
		return "abort"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const flagFromInitiator byte = 0x01

// Envelope is one message on one session. Seq counts messages sent in one
// direction of the session, starting at zero. FromInitiator tells the
// receiver which side of the session sent it, so a node can hold both ends
// of a session with itself.
type Envelope struct {
	Sender        Identity
	Recipient     Identity
	SessionID     uuid.UUID
	Seq           uint64
	Kind          Kind
	FromInitiator bool
	Payload       []byte
}

// Limits constrains frame decode and encode memory use.
type Limits struct {
	MaxIdentityBytes int
	MaxPayloadBytes  int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxIdentityBytes: 1024,
		MaxPayloadBytes:  8 * 1024 * 1024,
	}
}

// WriteFrame writes env to w.
func WriteFrame(w io.Writer, env Envelope, limits Limits) error {
	if env.Kind < KindInit || env.Kind > KindAbort {
		return ErrUnknownKind
	}
	if len(env.Sender) > limits.MaxIdentityBytes || len(env.Recipient) > limits.MaxIdentityBytes {
		return ErrIdentityTooLarge
	}
	if len(env.Payload) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	var h [HeaderLen]byte
	binary.BigEndian.PutUint32(h[0:4], Magic)
	h[4] = byte(env.Kind)
	if env.FromInitiator {
		h[5] = flagFromInitiator
	}
	binary.BigEndian.PutUint16(h[6:8], uint16(len(env.Sender)))
	binary.BigEndian.PutUint16(h[8:10], uint16(len(env.Recipient)))
	binary.BigEndian.PutUint64(h[12:20], env.Seq)
	copy(h[20:36], env.SessionID[:])
	binary.BigEndian.PutUint32(h[36:40], uint32(len(env.Payload)))
	for _, part := range [][]byte{h[:], []byte(env.Sender), []byte(env.Recipient), env.Payload} {
		if len(part) == 0 {
			continue
		}
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one envelope from r.
func ReadFrame(r io.Reader, limits Limits) (Envelope, error) {
	var h [HeaderLen]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Envelope{}, ErrShortHeader
		}
		return Envelope{}, err
	}
	if binary.BigEndian.Uint32(h[0:4]) != Magic {
		return Envelope{}, ErrBadMagic
	}
	env := Envelope{
		Kind:          Kind(h[4]),
		FromInitiator: h[5]&flagFromInitiator != 0,
		Seq:           binary.BigEndian.Uint64(h[12:20]),
	}
	if env.Kind < KindInit || env.Kind > KindAbort {
		return Envelope{}, ErrUnknownKind
	}
	copy(env.SessionID[:], h[20:36])
	senderLen := int(binary.BigEndian.Uint16(h[6:8]))
	recipientLen := int(binary.BigEndian.Uint16(h[8:10]))
	payloadLen := int(binary.BigEndian.Uint32(h[36:40]))
	if senderLen > limits.MaxIdentityBytes || recipientLen > limits.MaxIdentityBytes {
		return Envelope{}, ErrIdentityTooLarge
	}
	if payloadLen > limits.MaxPayloadBytes {
		return Envelope{}, ErrPayloadTooLarge
	}
	body := make([]byte, senderLen+recipientLen+payloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, ErrTruncated
	}
	env.Sender = Identity(body[:senderLen])
	env.Recipient = Identity(body[senderLen : senderLen+recipientLen])
	if payloadLen > 0 {
		env.Payload = body[senderLen+recipientLen:]
	}
	return env, nil
}

// Marshal returns the frame bytes of env.
func Marshal(env Envelope, limits Limits) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, env, limits); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses exactly one frame from data.
func Unmarshal(data []byte, limits Limits) (Envelope, error) {
	r := bytes.NewReader(data)
	env, err := ReadFrame(r, limits)
	if err != nil {
		return Envelope{}, err
	}
	if r.Len() != 0 {
		return Envelope{}, fmt.Errorf("wire: %d trailing bytes", r.Len())
	}
	return env, nil
}
