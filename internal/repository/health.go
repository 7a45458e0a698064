package repository

import (
	"context"
	"fmt"

	"github.com/go-kivik/kivik/v4"
)

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type couchHealth struct {
	client *kivik.Client
}

func NewHealthChecker(client *kivik.Client) HealthChecker {
	return &couchHealth{client: client}
}

func (h *couchHealth) Ping(ctx context.Context) error {
	ok, err := h.client.Ping(ctx)
	if err != nil {
		return mapError(err, "couchdb ping failed")
	}
	if !ok {
		return fmt.Errorf("couchdb is not ready")
	}
	return nil
}

// EnsureDB creates the database on first start.
func EnsureDB(ctx context.Context, client *kivik.Client, name string) (bool, error) {
	exists, err := client.DBExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check database existence: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := client.CreateDB(ctx, name); err != nil {
		return false, fmt.Errorf("failed to create database: %w", err)
	}
	return true, nil
}
