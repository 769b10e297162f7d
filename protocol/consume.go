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
	"errors"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/flow"
	"trpc.group/trpc-go/trpc-flow-go/ledger"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

// CommandConsumeState is the command ConsumeTx proposes.
const CommandConsumeState = "ConsumeState"

// ConsumeTx proposes a transaction consuming Input, signed by the local
// node and every party in Parties, collects their signatures and finalises
// it with them. Finalisation skips the notary unless Notarise is set. The
// result is the finalised transaction.
type ConsumeTx struct {
	Input    ledger.StateRef
	Parties  []wire.Identity
	Notarise bool
	Sessions []flow.SessionRef
	Tx       ledger.SignedTransaction
}

func (c *ConsumeTx) FlowName() string { return NameConsumeTx }

func (c *ConsumeTx) Steps() []flow.Step {
	return []flow.Step{c.start, c.finalise, c.done}
}

func (c *ConsumeTx) start(fc *flow.Context) (flow.Next, error) {
	fc.Progress("Starting")
	svc, err := lookupServices(fc)
	if err != nil {
		return flow.Next{}, err
	}
	notary := svc.dir.Notary()
	if notary == "" {
		return flow.Next{}, errors.New("protocol: the network has no notary")
	}
	signers := append([]wire.Identity{fc.Self()}, c.Parties...)
	tx := ledger.WireTransaction{
		Inputs:   []ledger.StateRef{c.Input},
		Commands: []ledger.Command{{Name: CommandConsumeState, Signers: signers}},
		Notary:   notary,
	}
	c.Tx = svc.keys.SignTransaction(ledger.SignedTransaction{Tx: tx})
	c.Sessions = c.Sessions[:0]
	for _, p := range c.Parties {
		s, err := fc.InitiateFlow(p)
		if err != nil {
			return flow.Next{}, err
		}
		c.Sessions = append(c.Sessions, s)
	}
	return flow.SubFlow(&CollectSignatures{Tx: c.Tx, Sessions: c.Sessions}), nil
}

func (c *ConsumeTx) finalise(fc *flow.Context) (flow.Next, error) {
	stx, err := flow.ResultAs[ledger.SignedTransaction](fc)
	if err != nil {
		return flow.Next{}, err
	}
	c.Tx = stx
	fc.Progress("Ending")
	if c.Notarise {
		return flow.SubFlow(&Finality{Tx: stx, Sessions: c.Sessions}), nil
	}
	return flow.SubFlow(&FinalityNoNotary{Tx: stx, Sessions: c.Sessions}), nil
}

func (c *ConsumeTx) done(fc *flow.Context) (flow.Next, error) {
	stx, err := flow.ResultAs[ledger.SignedTransaction](fc)
	if err != nil {
		return flow.Next{}, err
	}
	return flow.Return(stx), nil
}

// ConsumeTxResponder signs a ConsumeTx proposal that passes Check and
// records the finalised transaction.
type ConsumeTxResponder struct {
	Session flow.SessionRef
	Check   string
}

func (c *ConsumeTxResponder) FlowName() string { return NameConsumeTxResp }

func (c *ConsumeTxResponder) Steps() []flow.Step {
	return []flow.Step{
		func(fc *flow.Context) (flow.Next, error) {
			return flow.SubFlow(&SignTransaction{Session: c.Session, Check: c.Check}), nil
		},
		c.receive,
		func(fc *flow.Context) (flow.Next, error) {
			stx, err := flow.ResultAs[ledger.SignedTransaction](fc)
			if err != nil {
				return flow.Next{}, err
			}
			return flow.Return(stx), nil
		},
	}
}

func (c *ConsumeTxResponder) receive(fc *flow.Context) (flow.Next, error) {
	signed, err := flow.ResultAs[ledger.SignedTransaction](fc)
	if err != nil {
		return flow.Next{}, err
	}
	if signed.Tx.Notary == "" {
		return flow.Next{}, &flow.FlowError{Message: "the notary is null"}
	}
	return flow.SubFlow(&ReceiveFinality{Session: c.Session, ExpectedID: signed.ID()}), nil
}

func writeConsume(w *codec.Writer, c *ConsumeTx) error {
	if err := ledger.WriteStateRef(w, c.Input); err != nil {
		return err
	}
	if err := codec.WriteSlice(w, c.Parties, func(w *codec.Writer, id wire.Identity) error {
		return w.WriteString(string(id))
	}); err != nil {
		return err
	}
	if err := w.WriteBool(c.Notarise); err != nil {
		return err
	}
	if err := writeRefs(w, c.Sessions); err != nil {
		return err
	}
	return ledger.WriteSignedTx(w, c.Tx)
}

func readConsume(r *codec.Reader) (*ConsumeTx, error) {
	c := &ConsumeTx{}
	var err error
	if c.Input, err = ledger.ReadStateRef(r); err != nil {
		return nil, err
	}
	if c.Parties, err = codec.ReadSlice(r, func(r *codec.Reader) (wire.Identity, error) {
		s, err := r.ReadString()
		return wire.Identity(s), err
	}); err != nil {
		return nil, err
	}
	if c.Notarise, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if c.Sessions, err = readRefs(r); err != nil {
		return nil, err
	}
	if c.Tx, err = ledger.ReadSignedTx(r); err != nil {
		return nil, err
	}
	return c, nil
}

func writeConsumeResp(w *codec.Writer, c *ConsumeTxResponder) error {
	if err := flow.WriteSessionRef(w, c.Session); err != nil {
		return err
	}
	return w.WriteString(c.Check)
}

func readConsumeResp(r *codec.Reader) (*ConsumeTxResponder, error) {
	ref, err := flow.ReadSessionRef(r)
	if err != nil {
		return nil, err
	}
	check, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &ConsumeTxResponder{Session: ref, Check: check}, nil
}
