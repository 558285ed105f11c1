// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package routing

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresRouter reads routes from the numbers table
type PostgresRouter struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies pending migrations
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRouter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRouter{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate routes: %w", err)
	}
	return nil
}

func (p *PostgresRouter) Close() {
	p.pool.Close()
}

func (p *PostgresRouter) Lookup(ctx context.Context, number string) (Route, error) {
	var r Route
	err := p.pool.QueryRow(ctx, `SELECT method, url FROM numbers WHERE number = $1`, number).Scan(&r.Method, &r.URL)
	if errors.Is(err, pgx.ErrNoRows) {
		return Route{}, ErrNoRoute
	}
	if err != nil {
		return Route{}, fmt.Errorf("postgres lookup %s: %w", number, err)
	}
	return r.normalize(), nil
}

// Put stores the route for number
func (p *PostgresRouter) Put(ctx context.Context, number string, r Route) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO numbers (number, method, url) VALUES ($1, $2, $3)
		ON CONFLICT (number) DO UPDATE SET method = EXCLUDED.method, url = EXCLUDED.url`,
		number, r.Method, r.URL)
	return err
}
