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
)

// Finality has the transaction's notary certify it, records it locally and
// sends it to every session. The transaction must name a notary; use
// FinalityNoNotary, explicitly, when no ordering conflict is possible.
type Finality struct {
	Tx       ledger.SignedTransaction
	Sessions []flow.SessionRef
	Notary   flow.SessionRef
}

func (f *Finality) FlowName() string { return NameFinality }

func (f *Finality) Steps() []flow.Step {
	return []flow.Step{
		f.notarise,
		f.stamp,
		func(fc *flow.Context) (flow.Next, error) { return recordAndBroadcast(fc, f.Tx, f.Sessions) },
	}
}

func (f *Finality) notarise(fc *flow.Context) (flow.Next, error) {
	notary := f.Tx.Tx.Notary
	if notary == "" {
		return flow.Next{}, fmt.Errorf("protocol: transaction %s names no notary; finalise it with FinalityNoNotary", f.Tx.ID())
	}
	svc, err := lookupServices(fc)
	if err != nil {
		return flow.Next{}, err
	}
	if err := f.Tx.VerifyComplete(svc.dir); err != nil {
		return flow.Next{}, err
	}
	s, err := fc.InitiateFlow(notary)
	if err != nil {
		return flow.Next{}, err
	}
	f.Notary = s
	if err := fc.Send(s, f.Tx); err != nil {
		return flow.Next{}, err
	}
	fc.Progress("Requesting notarisation")
	return flow.Receive(s, 0), nil
}

func (f *Finality) stamp(fc *flow.Context) (flow.Next, error) {
	sig, err := flow.Received[ledger.Signature](fc)
	if err != nil {
		return flow.Next{}, err
	}
	if sig.By != f.Tx.Tx.Notary {
		return flow.Next{}, fmt.Errorf("protocol: notarisation of %s signed by %s", f.Tx.ID(), sig.By)
	}
	svc, err := lookupServices(fc)
	if err != nil {
		return flow.Next{}, err
	}
	if err := svc.dir.VerifySignature(f.Tx.ID(), sig); err != nil {
		return flow.Next{}, err
	}
	f.Tx = f.Tx.WithSignature(sig)
	if err := fc.EndSession(f.Notary); err != nil {
		return flow.Next{}, err
	}
	return flow.Continue(), nil
}

// FinalityNoNotary records the transaction and sends it to every session
// without notarisation.
type FinalityNoNotary struct {
	Tx       ledger.SignedTransaction
	Sessions []flow.SessionRef
}

func (f *FinalityNoNotary) FlowName() string { return NameFinalityNoNotary }

func (f *FinalityNoNotary) Steps() []flow.Step {
	return []flow.Step{func(fc *flow.Context) (flow.Next, error) {
		return recordAndBroadcast(fc, f.Tx, f.Sessions)
	}}
}

func recordAndBroadcast(fc *flow.Context, stx ledger.SignedTransaction, sessions []flow.SessionRef) (flow.Next, error) {
	svc, err := lookupServices(fc)
	if err != nil {
		return flow.Next{}, err
	}
	if err := stx.VerifyComplete(svc.dir); err != nil {
		return flow.Next{}, err
	}
	svc.vault.Record(stx)
	for _, s := range sessions {
		if err := fc.Send(s, stx); err != nil {
			return flow.Next{}, err
		}
	}
	fc.Progress("Broadcasting")
	return flow.Return(stx), nil
}

// ReceiveFinality is the participant side of both finality flows. It
// checks that the transaction received is ExpectedID and fully signed,
// and records it.
type ReceiveFinality struct {
	Session       flow.SessionRef
	ExpectedID    ledger.SecureHash
	RequireNotary bool
}

func (r *ReceiveFinality) FlowName() string { return NameReceiveFinality }

func (r *ReceiveFinality) Steps() []flow.Step {
	return []flow.Step{
		func(fc *flow.Context) (flow.Next, error) { return flow.Receive(r.Session, 0), nil },
		r.record,
	}
}

func (r *ReceiveFinality) record(fc *flow.Context) (flow.Next, error) {
	stx, err := flow.Received[ledger.SignedTransaction](fc)
	if err != nil {
		return flow.Next{}, err
	}
	if id := stx.ID(); id != r.ExpectedID {
		return flow.Next{}, rejection("expected transaction %s, got %s", r.ExpectedID, id)
	}
	svc, err := lookupServices(fc)
	if err != nil {
		return flow.Next{}, err
	}
	if err := stx.VerifyComplete(svc.dir); err != nil {
		return flow.Next{}, rejection("%v", err)
	}
	if r.RequireNotary && (stx.Tx.Notary == "" || !stx.SignedBy(stx.Tx.Notary)) {
		return flow.Next{}, rejection("transaction %s is not notarised", stx.ID())
	}
	svc.vault.Record(stx)
	return flow.Return(stx), nil
}

func writeFinality(w *codec.Writer, f *Finality) error {
	if err := ledger.WriteSignedTx(w, f.Tx); err != nil {
		return err
	}
	if err := writeRefs(w, f.Sessions); err != nil {
		return err
	}
	return flow.WriteSessionRef(w, f.Notary)
}

func readFinality(r *codec.Reader) (*Finality, error) {
	f := &Finality{}
	var err error
	if f.Tx, err = ledger.ReadSignedTx(r); err != nil {
		return nil, err
	}
	if f.Sessions, err = readRefs(r); err != nil {
		return nil, err
	}
	if f.Notary, err = flow.ReadSessionRef(r); err != nil {
		return nil, err
	}
	return f, nil
}

func writeNoNotary(w *codec.Writer, f *FinalityNoNotary) error {
	if err := ledger.WriteSignedTx(w, f.Tx); err != nil {
		return err
	}
	return writeRefs(w, f.Sessions)
}

func readNoNotary(r *codec.Reader) (*FinalityNoNotary, error) {
	f := &FinalityNoNotary{}
	var err error
	if f.Tx, err = ledger.ReadSignedTx(r); err != nil {
		return nil, err
	}
	if f.Sessions, err = readRefs(r); err != nil {
		return nil, err
	}
	return f, nil
}

func writeReceive(w *codec.Writer, f *ReceiveFinality) error {
	if err := flow.WriteSessionRef(w, f.Session); err != nil {
		return err
	}
	if err := ledger.WriteHash(w, f.ExpectedID); err != nil {
		return err
	}
	return w.WriteBool(f.RequireNotary)
}

func readReceive(r *codec.Reader) (*ReceiveFinality, error) {
	f := &ReceiveFinality{}
	var err error
	if f.Session, err = flow.ReadSessionRef(r); err != nil {
		return nil, err
	}
	if f.ExpectedID, err = ledger.ReadHash(r); err != nil {
		return nil, err
	}
	if f.RequireNotary, err = r.ReadBool(); err != nil {
		return nil, err
	}
	return f, nil
}

// NotaryResponder certifies that a transaction's inputs are consumed once.
// It signs transactions naming the local node as notary whose inputs are
// unused, and rejects the rest.
type NotaryResponder struct {
	Session flow.SessionRef
}

func (n *NotaryResponder) FlowName() string { return NameNotaryResponder }

func (n *NotaryResponder) Steps() []flow.Step {
	return []flow.Step{
		func(fc *flow.Context) (flow.Next, error) { return flow.Receive(n.Session, 0), nil },
		n.commit,
	}
}

func (n *NotaryResponder) commit(fc *flow.Context) (flow.Next, error) {
	stx, err := flow.Received[ledger.SignedTransaction](fc)
	if err != nil {
		return flow.Next{}, err
	}
	if stx.Tx.Notary != fc.Self() {
		return flow.Next{}, rejection("transaction %s names notary %q", stx.ID(), stx.Tx.Notary)
	}
	svc, err := lookupServices(fc)
	if err != nil {
		return flow.Next{}, err
	}
	if err := stx.VerifyComplete(svc.dir); err != nil {
		return flow.Next{}, rejection("%v", err)
	}
	uniq, err := flow.Service[*ledger.Uniqueness](fc)
	if err != nil {
		return flow.Next{}, err
	}
	if err := uniq.Commit(stx.Tx); err != nil {
		return flow.Next{}, rejection("%v", err)
	}
	if err := fc.Send(n.Session, svc.keys.Sign(stx.ID())); err != nil {
		return flow.Next{}, err
	}
	return flow.Return(nil), nil
}

func writeNotary(w *codec.Writer, n *NotaryResponder) error { return flow.WriteSessionRef(w, n.Session) }

func readNotary(r *codec.Reader) (*NotaryResponder, error) {
	ref, err := flow.ReadSessionRef(r)
	if err != nil {
		return nil, err
	}
	return &NotaryResponder{Session: ref}, nil
}
