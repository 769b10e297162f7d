//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package protocol provides the reference multi-party flows: signature
// collection, finality with and without a notary, a single node notary and
// the consume scenario built from them.
//
// The flows read node-local services through flow.Service, so a scheduler
// running them must be given a *ledger.KeyService, a *ledger.Directory, a
// *ledger.Vault and a *CheckRegistry. A notary additionally needs a
// *ledger.Uniqueness.
package protocol

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/flow"
	"trpc.group/trpc-go/trpc-flow-go/ledger"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

// Flow names. They travel in session inits and select responders.
const (
	NameCollectSignatures = "protocol.CollectSignatures"
	NameSignTransaction   = "protocol.SignTransaction"
	NameFinality          = "protocol.Finality"
	NameFinalityNoNotary  = "protocol.FinalityNoNotary"
	NameReceiveFinality   = "protocol.ReceiveFinality"
	NameNotaryResponder   = "protocol.NotaryResponder"
	NameConsumeTx         = "protocol.ConsumeTx"
	NameConsumeTxResp     = "protocol.ConsumeTxResponder"
)

// CheckAccept is the name of the check that accepts every transaction.
const CheckAccept = "accept"

// ErrUnknownCheck is returned for check names nobody registered.
var ErrUnknownCheck = errors.New("protocol: unknown transaction check")

// Check decides whether the local party signs a proposed transaction. A
// non-nil error rejects it; its message is sent to the proposer.
type Check func(stx ledger.SignedTransaction) error

// CheckRegistry maps names to checks. Flows keep the name in their
// checkpointed fields and look the function up on every node.
type CheckRegistry struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewCheckRegistry creates a registry holding CheckAccept.
func NewCheckRegistry() *CheckRegistry {
	return &CheckRegistry{checks: map[string]Check{
		CheckAccept: func(ledger.SignedTransaction) error { return nil },
	}}
}

// Register adds a check. Names are unique.
func (r *CheckRegistry) Register(name string, c Check) error {
	if name == "" || c == nil {
		return errors.New("protocol: check needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; ok {
		return fmt.Errorf("protocol: check %q already registered", name)
	}
	r.checks[name] = c
	return nil
}

// Lookup returns the check registered as name.
func (r *CheckRegistry) Lookup(name string) (Check, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCheck, name)
	}
	return c, nil
}

// Names lists the registered checks, sorted.
func (r *CheckRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.checks))
	for name := range r.checks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RegisterResponders installs the responder of ConsumeTx on s. Incoming
// proposals are judged with the check named check.
func RegisterResponders(s *flow.Scheduler, check string) {
	s.RegisterResponder(NameConsumeTx, func(ref flow.SessionRef) flow.Logic {
		return &ConsumeTxResponder{Session: ref, Check: check}
	})
}

// RegisterNotary makes s answer notarisation requests sent by Finality.
func RegisterNotary(s *flow.Scheduler) {
	s.RegisterResponder(NameFinality, func(ref flow.SessionRef) flow.Logic {
		return &NotaryResponder{Session: ref}
	})
}

// RegisterTypes whitelists the protocol flows. ledger.RegisterTypes and
// flow.RegisterTypes must be called on the same builder.
func RegisterTypes(b *codec.Builder) error {
	regs := []func() error{
		func() error { return codec.Register(b, NameCollectSignatures, writeCollect, readCollect) },
		func() error { return codec.Register(b, NameSignTransaction, writeSign, readSign) },
		func() error { return codec.Register(b, NameFinality, writeFinality, readFinality) },
		func() error { return codec.Register(b, NameFinalityNoNotary, writeNoNotary, readNoNotary) },
		func() error { return codec.Register(b, NameReceiveFinality, writeReceive, readReceive) },
		func() error { return codec.Register(b, NameNotaryResponder, writeNotary, readNotary) },
		func() error { return codec.Register(b, NameConsumeTx, writeConsume, readConsume) },
		func() error { return codec.Register(b, NameConsumeTxResp, writeConsumeResp, readConsumeResp) },
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

type services struct {
	keys  *ledger.KeyService
	dir   *ledger.Directory
	vault *ledger.Vault
}

func lookupServices(fc *flow.Context) (services, error) {
	var s services
	var err error
	if s.keys, err = flow.Service[*ledger.KeyService](fc); err != nil {
		return s, err
	}
	if s.dir, err = flow.Service[*ledger.Directory](fc); err != nil {
		return s, err
	}
	if s.vault, err = flow.Service[*ledger.Vault](fc); err != nil {
		return s, err
	}
	return s, nil
}

func rejection(format string, args ...any) error {
	return &flow.FlowValidationError{Message: fmt.Sprintf(format, args...)}
}

func contains(ids []wire.Identity, id wire.Identity) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
