//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	env := Envelope{
		Sender:        "O=PartyA",
		Recipient:     "O=PartyB",
		SessionID:     uuid.New(),
		Seq:           42,
		Kind:          KindData,
		FromInitiator: true,
		Payload:       []byte("payload"),
	}
	data, err := Marshal(env, DefaultLimits())
	require.NoError(t, err)
	got, err := Unmarshal(data, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestFrameWithoutPayload(t *testing.T) {
	env := Envelope{Sender: "a", Recipient: "b", SessionID: uuid.New(), Kind: KindEnd, Seq: 3}
	data, err := Marshal(env, DefaultLimits())
	require.NoError(t, err)
	assert.Len(t, data, HeaderLen+2)
	got, err := Unmarshal(data, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestReadFrameErrors(t *testing.T) {
	env := Envelope{Sender: "a", Recipient: "b", SessionID: uuid.New(), Kind: KindData, Payload: make([]byte, 64)}
	good, err := Marshal(env, DefaultLimits())
	require.NoError(t, err)

	badMagic := append([]byte{}, good...)
	badMagic[0] = 'x'
	badKind := append([]byte{}, good...)
	badKind[4] = 99

	tests := []struct {
		name   string
		data   []byte
		limits Limits
		want   error
	}{
		{"short header", good[:10], DefaultLimits(), ErrShortHeader},
		{"bad magic", badMagic, DefaultLimits(), ErrBadMagic},
		{"bad kind", badKind, DefaultLimits(), ErrUnknownKind},
		{"truncated body", good[:len(good)-1], DefaultLimits(), ErrTruncated},
		{"payload limit", good, Limits{MaxIdentityBytes: 8, MaxPayloadBytes: 16}, ErrPayloadTooLarge},
		{"identity limit", good, Limits{MaxIdentityBytes: 0, MaxPayloadBytes: 1024}, ErrIdentityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data), tt.limits)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, Envelope{Kind: KindData, Payload: make([]byte, 32)},
		Limits{MaxIdentityBytes: 8, MaxPayloadBytes: 16})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.ErrorIs(t, WriteFrame(&buf, Envelope{Kind: 0}, DefaultLimits()), ErrUnknownKind)
}
