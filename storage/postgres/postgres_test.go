//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	instancesMu.Lock()
	old := instances
	instances = map[string][]ClientOpt{}
	instancesMu.Unlock()
	oldBuilder := GetBuilder()
	t.Cleanup(func() {
		instancesMu.Lock()
		instances = old
		instancesMu.Unlock()
		SetBuilder(oldBuilder)
	})
}

func TestSetBuilderIsUsed(t *testing.T) {
	isolate(t)
	var got ClientOpts
	SetBuilder(func(ctx context.Context, opts ...ClientOpt) (Client, error) {
		for _, opt := range opts {
			opt(&got)
		}
		return nil, nil
	})
	_, err := NewClient(context.Background(), WithConnString("postgres://localhost/flows"), WithMaxOpenConns(2))
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/flows", got.ConnString)
	require.Equal(t, 2, got.MaxOpenConns)
}

func TestDefaultBuilderErrors(t *testing.T) {
	_, err := DefaultBuilder(context.Background())
	require.EqualError(t, err, "postgres: connection string is empty")

	_, err = DefaultBuilder(context.Background(), WithConnString("not a connection string"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "postgres")
}

func TestInstances(t *testing.T) {
	isolate(t)
	_, ok := GetInstance("ckpt")
	require.False(t, ok)
	RegisterInstance("ckpt", WithConnString("postgres://a"))
	RegisterInstance("ckpt", WithMaxOpenConns(4))
	opts, ok := GetInstance("ckpt")
	require.True(t, ok)
	require.Len(t, opts, 2)
}

func TestQueryClosesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := FromDB(db)

	mock.ExpectQuery("SELECT name").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("a").AddRow("b"))
	var names []string
	err = c.Query(context.Background(), func(rows *sql.Rows) error {
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return err
			}
			names = append(names, n)
		}
		return nil
	}, "SELECT name FROM t")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)

	mock.ExpectQuery("SELECT name").WillReturnError(errors.New("down"))
	err = c.Query(context.Background(), func(*sql.Rows) error { return nil }, "SELECT name FROM t")
	require.ErrorContains(t, err, "down")

	mock.ExpectExec("DELETE").WillReturnResult(sqlmock.NewResult(0, 1))
	_, err = c.ExecContext(context.Background(), "DELETE FROM t")
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, c.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}
