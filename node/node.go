//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package node assembles flow nodes from configuration: codec, session
// manager, checkpoint store, scheduler, ledger services, reference
// protocols and the RPC gateway. All nodes of a Network share one
// in-process transport.
package node

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register the sqlite3 driver.

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
	"trpc.group/trpc-go/trpc-flow-go/checkpoint/inmemory"
	cpostgres "trpc.group/trpc-go/trpc-flow-go/checkpoint/postgres"
	credis "trpc.group/trpc-go/trpc-flow-go/checkpoint/redis"
	"trpc.group/trpc-go/trpc-flow-go/checkpoint/sqlite"
	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/flow"
	"trpc.group/trpc-go/trpc-flow-go/ledger"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/protocol"
	"trpc.group/trpc-go/trpc-flow-go/rpc"
	"trpc.group/trpc-go/trpc-flow-go/server/gateway"
	"trpc.group/trpc-go/trpc-flow-go/session"
	"trpc.group/trpc-go/trpc-flow-go/transport/memory"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

// CheckReject refuses every proposal. It is available on every node next
// to protocol.CheckAccept.
const CheckReject = "reject"

// Flow names startable over RPC.
const (
	FlowConsumeTx = "ConsumeTx"
)

// MethodVaultTransactions lists the ids of transactions in the vault.
const MethodVaultTransactions = "vaultTransactions"

const (
	shutdownTimeout = 5 * time.Second
	connectTimeout  = 10 * time.Second
)

// NewCodec returns a codec whitelisting every type a node exchanges.
func NewCodec() (*codec.Codec, error) {
	b := codec.NewBuilder()
	for _, reg := range []func(*codec.Builder) error{
		session.RegisterTypes,
		flow.RegisterTypes,
		ledger.RegisterTypes,
		protocol.RegisterTypes,
		rpc.RegisterTypes,
	} {
		if err := reg(b); err != nil {
			return nil, err
		}
	}
	reg, err := b.Build()
	if err != nil {
		return nil, err
	}
	return codec.New(reg), nil
}

// Node is one hosted party.
type Node struct {
	Name      wire.Identity
	Keys      *ledger.KeyService
	Vault     *ledger.Vault
	Manager   *session.Manager
	Scheduler *flow.Scheduler
	Gateway   *rpc.Gateway

	cfg      NodeConfig
	store    checkpoint.Store
	server   *http.Server
	listener net.Listener
}

// Addr returns the address the node's RPC server listens on, or "" when
// it has none.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Network is the set of nodes hosted by one process.
type Network struct {
	cfg   *Config
	net   *memory.Network
	dir   *ledger.Directory
	nodes map[wire.Identity]*Node

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New builds every configured node. Nothing runs until Start.
func New(cfg *Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Network{
		cfg:   cfg,
		net:   memory.NewNetwork(),
		nodes: make(map[wire.Identity]*Node, len(cfg.Nodes)),
	}
	keys := make(map[wire.Identity]*ledger.KeyService, len(cfg.Nodes))
	parties := make([]ledger.Party, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		k, err := newKeys(nc)
		if err != nil {
			return nil, err
		}
		keys[k.Party().Name] = k
		parties = append(parties, k.Party())
	}
	n.dir = ledger.NewDirectory(wire.Identity(cfg.Notary), parties...)

	for _, nc := range cfg.Nodes {
		node, err := n.build(nc, keys[wire.Identity(nc.Name)])
		if err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("node %s: %w", nc.Name, err)
		}
		n.nodes[node.Name] = node
	}
	return n, nil
}

func newKeys(nc NodeConfig) (*ledger.KeyService, error) {
	var seed []byte
	if nc.Seed != "" {
		var err error
		if seed, err = hex.DecodeString(nc.Seed); err != nil {
			return nil, fmt.Errorf("node %s: decode seed: %w", nc.Name, err)
		}
	}
	k, err := ledger.GenerateKeyService(wire.Identity(nc.Name), seed)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", nc.Name, err)
	}
	return k, nil
}

func (n *Network) build(nc NodeConfig, keys *ledger.KeyService) (*Node, error) {
	c, err := NewCodec()
	if err != nil {
		return nil, err
	}
	store, err := openStore(nc)
	if err != nil {
		return nil, err
	}
	receive, _ := n.cfg.receiveTimeout()
	call, _ := n.cfg.callTimeout()

	name := wire.Identity(nc.Name)
	ep := &endpoint{}
	mgr := session.NewManager(name, c, ep, session.WithReceiveTimeout(receive))
	vault := ledger.NewVault()
	checks := protocol.NewCheckRegistry()
	if err := checks.Register(CheckReject, func(stx ledger.SignedTransaction) error {
		return fmt.Errorf("%s rejects every transaction", name)
	}); err != nil {
		_ = store.Close()
		return nil, err
	}
	check := nc.Check
	if check == "" {
		check = protocol.CheckAccept
	}
	if _, err := checks.Lookup(check); err != nil {
		_ = store.Close()
		return nil, err
	}
	sched, err := flow.NewScheduler(mgr, store,
		flow.WithWorkers(n.cfg.Workers),
		flow.WithServices(keys, n.dir, vault, checks, ledger.NewUniqueness()),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ep.set(n.net.Join(name, mgr))

	if name == wire.Identity(n.cfg.Notary) {
		protocol.RegisterNotary(sched)
	}
	protocol.RegisterResponders(sched, check)

	gw := rpc.New(sched, rpc.WithCallTimeout(call))
	gw.RegisterFlow(FlowConsumeTx, consumeTxFactory)
	if err := gw.Register(rpc.Operation{
		Name: MethodVaultTransactions,
		Invoke: func(context.Context, []any) (any, error) {
			ids := vault.IDs()
			out := make([]any, len(ids))
			for i, id := range ids {
				out[i] = id.String()
			}
			return out, nil
		},
	}); err != nil {
		_ = sched.Close()
		_ = store.Close()
		return nil, err
	}

	return &Node{
		Name:      name,
		Keys:      keys,
		Vault:     vault,
		Manager:   mgr,
		Scheduler: sched,
		Gateway:   gw,
		cfg:       nc,
		store:     store,
	}, nil
}

// consumeTxFactory builds ConsumeTx from (input, notarise, parties...).
func consumeTxFactory(args []any) (flow.Logic, error) {
	if len(args) < 3 {
		return nil, errors.New("ConsumeTx takes an input, a notarise flag and at least one party")
	}
	in, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("input must be a string, got %T", args[0])
	}
	ref, err := ledger.ParseStateRef(in)
	if err != nil {
		return nil, err
	}
	notarise, ok := args[1].(bool)
	if !ok {
		return nil, fmt.Errorf("notarise must be a bool, got %T", args[1])
	}
	var parties []wire.Identity
	for _, a := range args[2:] {
		p, ok := a.(string)
		if !ok || p == "" {
			return nil, fmt.Errorf("parties must be names, got %T", a)
		}
		parties = append(parties, wire.Identity(p))
	}
	return &protocol.ConsumeTx{Input: ref, Parties: parties, Notarise: notarise}, nil
}

func openStore(nc NodeConfig) (checkpoint.Store, error) {
	switch nc.Store.Kind {
	case StoreSQLite:
		db, err := sql.Open("sqlite3", nc.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", nc.Store.Path, err)
		}
		s, err := sqlite.NewStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	case StoreRedis:
		prefix := nc.Store.Prefix
		if prefix == "" {
			prefix = "flow:" + nc.Name
		}
		return credis.NewStore(credis.WithRedisClientURL(nc.Store.URL), credis.WithKeyPrefix(prefix))
	case StorePostgres:
		table := nc.Store.Prefix
		if table == "" {
			table = "flow_checkpoints_" + strings.Map(func(r rune) rune {
				if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
					return r
				}
				return '_'
			}, strings.ToLower(nc.Name))
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return cpostgres.NewStore(ctx, cpostgres.WithConnString(nc.Store.URL), cpostgres.WithTable(table))
	default:
		return inmemory.NewStore(), nil
	}
}

// Node returns the hosted node called name.
func (n *Network) Node(name wire.Identity) (*Node, bool) {
	node, ok := n.nodes[name]
	return node, ok
}

// Names returns the hosted node names, sorted.
func (n *Network) Names() []wire.Identity {
	names := make([]wire.Identity, 0, len(n.nodes))
	for name := range n.nodes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Start restores checkpointed runs on every node and starts the RPC
// servers. Runs that fail to restore are logged and left in their store.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node: network already started")
	}
	n.started = true
	users := n.cfg.users()
	for _, name := range n.Names() {
		node := n.nodes[name]
		handles, err := node.Scheduler.RestoreAll(ctx)
		if err != nil {
			log.Errorf("node %s: restore: %v", name, err)
		}
		if len(handles) > 0 {
			log.Infof("node %s: restored %d runs", name, len(handles))
		}
		if node.cfg.Listen == "" {
			continue
		}
		l, err := net.Listen("tcp", node.cfg.Listen)
		if err != nil {
			return fmt.Errorf("node %s: listen: %w", name, err)
		}
		node.listener = l
		node.server = &http.Server{
			Handler:           gateway.New(node.Gateway, gateway.WithUsers(users...)).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		n.wg.Add(1)
		go func(node *Node) {
			defer n.wg.Done()
			log.Infof("node %s: rpc listening on %s", node.Name, node.Addr())
			if err := node.server.Serve(node.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("node %s: rpc server: %v", node.Name, err)
			}
		}(node)
	}
	return nil
}

// Close stops every node. Suspended runs stay in their stores.
func (n *Network) Close() error {
	var errs []error
	for _, name := range n.Names() {
		node := n.nodes[name]
		if node.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			errs = append(errs, node.server.Shutdown(ctx))
			cancel()
		}
		node.Gateway.Close()
		errs = append(errs, node.Scheduler.Close())
		node.Manager.Shutdown()
		n.net.Leave(name)
		errs = append(errs, node.store.Close())
	}
	n.wg.Wait()
	n.net.Close()
	return errors.Join(errs...)
}

// endpoint lets a manager be created before it joins the network.
type endpoint struct {
	mu sync.RWMutex
	ep *memory.Endpoint
}

func (e *endpoint) set(ep *memory.Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ep = ep
}

func (e *endpoint) Send(ctx context.Context, env wire.Envelope) error {
	e.mu.RLock()
	ep := e.ep
	e.mu.RUnlock()
	if ep == nil {
		return fmt.Errorf("node %s: not joined", env.Sender)
	}
	return ep.Send(ctx, env)
}
