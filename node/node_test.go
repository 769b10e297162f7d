//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package node

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/checkpoint"
	"trpc.group/trpc-go/trpc-flow-go/codec"
	"trpc.group/trpc-go/trpc-flow-go/ledger"
	"trpc.group/trpc-go/trpc-flow-go/rpc"
	"trpc.group/trpc-go/trpc-flow-go/wire"
)

const tomlConfig = `
log_level = "debug"
notary = "N"
workers = 8
call_timeout = "10s"

[telemetry]
protocol = "http"

[[nodes]]
name = "A"
listen = "127.0.0.1:0"

[[nodes]]
name = "B"
check = "accept"

[[nodes]]
name = "N"

[[users]]
username = "alice"
password = "secret"
permissions = ["StartFlow.ConsumeTx"]
`

const yamlConfig = `
log_level: warn
notary: N
receive_timeout: 2s
nodes:
  - name: A
    store:
      kind: memory
  - name: N
users:
  - username: ops
    password: pw
    permissions: [ALL]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "node.toml", tomlConfig))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "N", cfg.Notary)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "http", cfg.Telemetry.Protocol)
	require.Len(t, cfg.Nodes, 3)
	assert.Equal(t, "127.0.0.1:0", cfg.Nodes[0].Listen)
	assert.Equal(t, []string{"StartFlow.ConsumeTx"}, cfg.Users[0].Permissions)
	d, err := cfg.callTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	cfg, err = LoadConfig(writeFile(t, "node.yaml", yamlConfig))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, StoreMemory, cfg.Nodes[0].Store.Kind)
	assert.Equal(t, 64, cfg.Workers, "defaults survive")
	d, err = cfg.receiveTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
	assert.Equal(t, []rpc.User{{Username: "ops", Password: "pw", Permissions: []string{"ALL"}}}, cfg.users())
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("FLOWNODE_LOG_LEVEL", "error")
	t.Setenv("FLOWNODE_WORKERS", "3")
	t.Setenv("FLOWNODE_TELEMETRY_ENABLED", "true")
	cfg, err := LoadConfig(writeFile(t, "node.toml", tomlConfig))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Workers)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "N", cfg.Notary, "unset variables keep file values")
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"extension", "node.json", "{}", "unsupported extension"},
		{"syntax", "node.toml", "notary = ", "parse"},
		{"no nodes", "node.toml", `notary = ""`, "no nodes"},
		{"duplicate", "node.toml", "[[nodes]]\nname = \"A\"\n[[nodes]]\nname = \"A\"\n", "listed twice"},
		{"foreign notary", "node.toml", "notary = \"X\"\n[[nodes]]\nname = \"A\"\n", "not a hosted node"},
		{"store kind", "node.toml", "[[nodes]]\nname = \"A\"\n[nodes.store]\nkind = \"etcd\"\n", "unknown store kind"},
		{"sqlite path", "node.toml", "[[nodes]]\nname = \"A\"\n[nodes.store]\nkind = \"sqlite\"\n", "needs a path"},
		{"postgres url", "node.toml", "[[nodes]]\nname = \"A\"\n[nodes.store]\nkind = \"postgres\"\n", "postgres store needs a url"},
		{"reserved user", "node.toml", "[[nodes]]\nname = \"A\"\n[[users]]\nusername = \"node\"\npassword = \"pw\"\n", "reserved"},
		{"anonymous user", "node.toml", "[[nodes]]\nname = \"A\"\n[[users]]\npassword = \"pw\"\n", "user without a name"},
		{"duplicate user", "node.toml", "[[nodes]]\nname = \"A\"\n[[users]]\nusername = \"u\"\n[[users]]\nusername = \"u\"\n", "user u listed twice"},
		{"duration", "node.toml", "call_timeout = \"soon\"\n[[nodes]]\nname = \"A\"\n", "call_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	tests := []struct {
		name string
		cfg  StoreConfig
	}{
		{"memory", StoreConfig{}},
		{"sqlite", StoreConfig{Kind: StoreSQLite, Path: filepath.Join(t.TempDir(), "checkpoints.db")}},
		{"redis", StoreConfig{Kind: StoreRedis, URL: "redis://" + mr.Addr()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := openStore(NodeConfig{Name: "A", Store: tt.cfg})
			require.NoError(t, err)
			defer s.Close()
			ctx := context.Background()
			rec := &checkpoint.Record{RunID: "run-1", FlowName: "test.Flow", State: []byte{1, 2}, Timestamp: time.Unix(1, 0)}
			require.NoError(t, s.Put(ctx, rec))
			got, err := s.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, rec.State, got.State)
		})
	}
	assert.True(t, mr.Exists("flow:A:run:run-1"))
}

func TestConsumeTxFactory(t *testing.T) {
	ref := ledger.StateRef{TxID: ledger.SecureHash{1}, Index: 2}
	logic, err := consumeTxFactory([]any{ref.String(), true, "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, "protocol.ConsumeTx", logic.FlowName())

	for _, args := range [][]any{
		{ref.String(), true},
		{int64(1), true, "B"},
		{"nonsense", true, "B"},
		{ref.String(), "yes", "B"},
		{ref.String(), false, ""},
	} {
		_, err := consumeTxFactory(args)
		assert.Error(t, err, "%v", args)
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Notary = "N"
	cfg.CallTimeout = "5s"
	cfg.Nodes = []NodeConfig{
		{Name: "A", Listen: "127.0.0.1:0", Seed: strings.Repeat("01", 32)},
		{Name: "B"},
		{Name: "C", Check: CheckReject},
		{Name: "N"},
	}
	cfg.Users = []UserConfig{{Username: "alice", Password: "secret", Permissions: []string{rpc.StartFlowPermission(FlowConsumeTx)}}}
	return cfg
}

func TestNetworkConsumeTxOverHTTP(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	require.NoError(t, n.Start(context.Background()))
	assert.Equal(t, []wire.Identity{"A", "B", "C", "N"}, n.Names())

	a, _ := n.Node("A")
	b, _ := n.Node("B")
	require.NotEmpty(t, a.Addr())
	input := ledger.StateRef{TxID: ledger.SecureHash{0xbe, 0xef}}

	c, err := NewCodec()
	require.NoError(t, err)
	body, err := c.Encode([]any{FlowConsumeTx, input.String(), true, "B"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "http://"+a.Addr()+"/rpc/"+rpc.MethodStartFlow, bytes.NewReader(body))
	require.NoError(t, err)
	req.SetBasicAuth("alice", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	stx, err := codec.Decode[ledger.SignedTransaction](c, data)
	require.NoError(t, err)
	assert.True(t, stx.SignedBy("N"))
	assert.Equal(t, []ledger.SecureHash{stx.ID()}, a.Vault.IDs())
	require.Eventually(t, func() bool { return len(b.Vault.IDs()) == 1 }, 5*time.Second, 5*time.Millisecond)

	listed, err := a.Gateway.Call(rpc.AsNode(context.Background()),
		rpc.Request{Method: MethodVaultTransactions, ClientVersion: rpc.ProtocolVersion})
	require.NoError(t, err)
	ids, err := codec.Decode[[]any](c, listed.Value)
	require.NoError(t, err)
	assert.Equal(t, []any{stx.ID().String()}, ids)
}

func TestNetworkRejectingCounterparty(t *testing.T) {
	n, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	require.NoError(t, n.Start(context.Background()))
	a, _ := n.Node("A")

	args, err := a.Gateway.EncodeArgs(FlowConsumeTx, ledger.StateRef{TxID: ledger.SecureHash{7}}.String(), false, "C")
	require.NoError(t, err)
	_, err = a.Gateway.Call(rpc.AsNode(context.Background()),
		rpc.Request{Method: rpc.MethodStartFlow, Args: args, ClientVersion: rpc.ProtocolVersion})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejects every transaction")
	assert.Empty(t, a.Vault.IDs())
}

func TestNewRejectsUnknownCheck(t *testing.T) {
	cfg := testConfig()
	cfg.Nodes[1].Check = "maybe"
	_, err := New(cfg)
	assert.Error(t, err)
}
