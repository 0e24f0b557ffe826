package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/tenant-oauth/storage"
)

// A client is one HASH with the registration in field "r" and the secret
// list in field "s", so every client command touches a single key.
const (
	clientRecordField  = "r"
	clientSecretsField = "s"
)

// luaReplaceClientSecrets overwrites the secret list of a registered client.
//
//	KEYS[1] = client key
//	ARGV[1] = secrets JSON
//
// Returns 1 when replaced, 0 when the client does not exist.
const luaReplaceClientSecrets = `
if redis.call('HEXISTS', KEYS[1], 'r') == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 's', ARGV[1])
return 1
`

// SaveClient stores the client record and its current secret list.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.TenantID == "" || client.ClientID == "" {
		return fmt.Errorf("client tenant and id are required")
	}

	record := *client
	record.Secrets = nil
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	secrets, err := json.Marshal(client.Secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal client secrets: %w", err)
	}

	err = s.client.Do(ctx,
		s.client.B().Hset().Key(s.clientKey(client.TenantID, client.ClientID)).
			FieldValue().
			FieldValue(clientRecordField, string(data)).
			FieldValue(clientSecretsField, string(secrets)).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "tenant_id", client.TenantID, "client_id", client.ClientID)
	return nil
}

// GetClient loads the client record together with its secrets.
func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	vals, err := s.client.Do(ctx,
		s.client.B().Hmget().Key(s.clientKey(tenantID, clientID)).Field(clientRecordField, clientSecretsField).Build(),
	).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if len(vals) != 2 || vals[0].IsNil() {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	data, err := vals[0].ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to read client: %w", err)
	}
	var client storage.Client
	if err := json.Unmarshal([]byte(data), &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	if !vals[1].IsNil() {
		raw, err := vals[1].ToString()
		if err != nil {
			return nil, fmt.Errorf("failed to read client secrets: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &client.Secrets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client secrets: %w", err)
		}
	}
	return &client, nil
}

// AddClientSecret overwrites the client's secret list with secret.
func (s *Store) AddClientSecret(ctx context.Context, tenantID, clientID string, secret storage.ClientSecret) error {
	data, err := json.Marshal([]storage.ClientSecret{secret})
	if err != nil {
		return fmt.Errorf("failed to marshal client secret: %w", err)
	}

	replaced, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaReplaceClientSecrets).
			Numkeys(1).
			Key(s.clientKey(tenantID, clientID)).
			Arg(string(data)).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to store client secret: %w", err)
	}
	if replaced == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return nil
}
