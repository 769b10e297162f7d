//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package protocol

import (
	"fmt"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/flow"
	"trpc.group/trpc-go/trpc-flow-go/ledger"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

// CollectSignatures sends Tx to every session and gathers one signature per
// counterparty. Tx must already carry the local signature when the local
// party is a required signer. The result is the fully signed transaction.
// The first rejection fails the flow with a *flow.FlowValidationError
// naming the party that refused.
type CollectSignatures struct {
	Tx       ledger.SignedTransaction
	Sessions []flow.SessionRef
	Next     int
}

func (c *CollectSignatures) FlowName() string { return NameCollectSignatures }

func (c *CollectSignatures) Steps() []flow.Step {
	return []flow.Step{c.propose, c.await, c.collect}
}

func (c *CollectSignatures) propose(fc *flow.Context) (flow.Next, error) {
	svc, err := lookupServices(fc)
	if err != nil {
		return flow.Next{}, err
	}
	if err := c.Tx.Verify(svc.dir); err != nil {
		return flow.Next{}, err
	}
	peers := make(map[wire.Identity]bool, len(c.Sessions))
	for _, s := range c.Sessions {
		peers[s.Peer] = true
	}
	for _, missing := range c.Tx.Missing() {
		if missing == fc.Self() {
			return flow.Next{}, fmt.Errorf("protocol: %s must sign %s before collecting", missing, c.Tx.ID())
		}
		if !peers[missing] {
			return flow.Next{}, fmt.Errorf("protocol: no session with required signer %s", missing)
		}
	}
	for _, s := range c.Sessions {
		if err := fc.Send(s, c.Tx); err != nil {
			return flow.Next{}, err
		}
	}
	fc.Progress("Collecting signatures")
	return flow.Continue(), nil
}

func (c *CollectSignatures) await(fc *flow.Context) (flow.Next, error) {
	if c.Next >= len(c.Sessions) {
		svc, err := lookupServices(fc)
		if err != nil {
			return flow.Next{}, err
		}
		if err := c.Tx.VerifyComplete(svc.dir); err != nil {
			return flow.Next{}, err
		}
		return flow.Return(c.Tx), nil
	}
	return flow.Receive(c.Sessions[c.Next], 0).Catch(), nil
}

func (c *CollectSignatures) collect(fc *flow.Context) (flow.Next, error) {
	if err := fc.Err(); err != nil {
		if v, ok := flow.ValidationFailure(err); ok {
			return flow.Next{}, v
		}
		return flow.Next{}, err
	}
	from := c.Sessions[c.Next]
	sig, err := flow.Received[ledger.Signature](fc)
	if err != nil {
		return flow.Next{}, err
	}
	if sig.By != from.Peer {
		return flow.Next{}, fmt.Errorf("protocol: %s returned a signature by %s", from.Peer, sig.By)
	}
	svc, err := lookupServices(fc)
	if err != nil {
		return flow.Next{}, err
	}
	if err := svc.dir.VerifySignature(c.Tx.ID(), sig); err != nil {
		return flow.Next{}, err
	}
	c.Tx = c.Tx.WithSignature(sig)
	c.Next++
	return flow.Goto(1), nil
}

// SignTransaction is the counterparty side of CollectSignatures. It runs
// the check named Check on the proposal, signs it and returns the
// transaction with the local signature added.
type SignTransaction struct {
	Session flow.SessionRef
	Check   string
}

func (s *SignTransaction) FlowName() string { return NameSignTransaction }

func (s *SignTransaction) Steps() []flow.Step {
	return []flow.Step{
		func(fc *flow.Context) (flow.Next, error) { return flow.Receive(s.Session, 0), nil },
		s.sign,
	}
}

func (s *SignTransaction) sign(fc *flow.Context) (flow.Next, error) {
	stx, err := flow.Received[ledger.SignedTransaction](fc)
	if err != nil {
		return flow.Next{}, err
	}
	svc, err := lookupServices(fc)
	if err != nil {
		return flow.Next{}, err
	}
	checks, err := flow.Service[*CheckRegistry](fc)
	if err != nil {
		return flow.Next{}, err
	}
	check, err := checks.Lookup(s.Check)
	if err != nil {
		return flow.Next{}, err
	}
	if err := stx.Verify(svc.dir); err != nil {
		return flow.Next{}, rejection("%v", err)
	}
	if !contains(stx.Tx.RequiredSigners(), fc.Self()) {
		return flow.Next{}, rejection("%s is not a required signer of %s", fc.Self(), stx.ID())
	}
	if err := check(stx); err != nil {
		return flow.Next{}, rejection("%v", err)
	}
	sig := svc.keys.Sign(stx.ID())
	if err := fc.Send(s.Session, sig); err != nil {
		return flow.Next{}, err
	}
	return flow.Return(stx.WithSignature(sig)), nil
}

func writeRefs(w *codec.Writer, refs []flow.SessionRef) error {
	return codec.WriteSlice(w, refs, flow.WriteSessionRef)
}

func readRefs(r *codec.Reader) ([]flow.SessionRef, error) {
	return codec.ReadSlice(r, flow.ReadSessionRef)
}

func writeCollect(w *codec.Writer, c *CollectSignatures) error {
	if err := ledger.WriteSignedTx(w, c.Tx); err != nil {
		return err
	}
	if err := writeRefs(w, c.Sessions); err != nil {
		return err
	}
	return w.WriteInt(c.Next)
}

func readCollect(r *codec.Reader) (*CollectSignatures, error) {
	c := &CollectSignatures{}
	var err error
	if c.Tx, err = ledger.ReadSignedTx(r); err != nil {
		return nil, err
	}
	if c.Sessions, err = readRefs(r); err != nil {
		return nil, err
	}
	if c.Next, err = r.ReadInt(); err != nil {
		return nil, err
	}
	return c, nil
}

func writeSign(w *codec.Writer, s *SignTransaction) error {
	if err := flow.WriteSessionRef(w, s.Session); err != nil {
		return err
	}
	return w.WriteString(s.Check)
}

func readSign(r *codec.Reader) (*SignTransaction, error) {
	ref, err := flow.ReadSessionRef(r)
	if err != nil {
		return nil, err
	}
	check, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &SignTransaction{Session: ref, Check: check}, nil
}
