package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/giantswarm/tenant-oauth/server"
	"github.com/giantswarm/tenant-oauth/storage"
	"github.com/giantswarm/tenant-oauth/storage/memory"
)

// bootstrapFile seeds the directory and the client registrations at startup.
// Tenant, user and organization management is done elsewhere; this file is
// the hand-off point.
type bootstrapFile struct {
	Tenants     []storage.Tenant     `json:"tenants"`
	Users       []storage.User       `json:"users"`
	Memberships []storage.Membership `json:"memberships"`
	Clients     []storage.Client     `json:"clients"`
}

func readBootstrap(path string) (*bootstrapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap file: %w", err)
	}
	var b bootstrapFile
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bootstrap file: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *bootstrapFile) validate() error {
	tenants := make(map[string]bool, len(b.Tenants))
	for _, t := range b.Tenants {
		if t.ID == "" {
			return fmt.Errorf("bootstrap: tenant without id")
		}
		tenants[t.ID] = true
	}
	for _, u := range b.Users {
		if !tenants[u.TenantID] {
			return fmt.Errorf("bootstrap: user %q references unknown tenant %q", u.ID, u.TenantID)
		}
	}
	for _, m := range b.Memberships {
		if !tenants[m.TenantID] {
			return fmt.Errorf("bootstrap: membership of %q references unknown tenant %q", m.UserID, m.TenantID)
		}
	}
	for _, c := range b.Clients {
		if !tenants[c.TenantID] {
			return fmt.Errorf("bootstrap: client %q references unknown tenant %q", c.ClientID, c.TenantID)
		}
	}
	return nil
}

// directory loads tenants, users and memberships into an in-memory
// directory store.
func (b *bootstrapFile) directory() *memory.Store {
	dir := memory.New()
	for _, t := range b.Tenants {
		dir.PutTenant(t)
	}
	for _, u := range b.Users {
		dir.PutUser(u)
	}
	for _, m := range b.Memberships {
		dir.PutMembership(m)
	}
	return dir
}

// registerClients saves every client. Confidential clients listed without
// a secret hash get a generated secret, printed once to stderr.
func (b *bootstrapFile) registerClients(ctx context.Context, clients storage.ClientStore, core *server.Server, logger *slog.Logger) error {
	for i := range b.Clients {
		c := b.Clients[i]
		if err := clients.SaveClient(ctx, &c); err != nil {
			return fmt.Errorf("register client %s/%s: %w", c.TenantID, c.ClientID, err)
		}
		if !c.Confidential || len(c.Secrets) > 0 {
			continue
		}
		secret, _, err := core.AddClientSecret(ctx, c.TenantID, c.ClientID, "bootstrap", time.Time{})
		if err != nil {
			return fmt.Errorf("generate secret for %s/%s: %w", c.TenantID, c.ClientID, err)
		}
		fmt.Fprintf(os.Stderr, "Generated secret for client %s/%s: %s\n", c.TenantID, c.ClientID, secret)
	}
	logger.Info("Loaded bootstrap data",
		"tenants", len(b.Tenants),
		"users", len(b.Users),
		"memberships", len(b.Memberships),
		"clients", len(b.Clients))
	return nil
}
