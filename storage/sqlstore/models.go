package sqlstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/giantswarm/tenant-oauth/storage"
)

type entityStateRecord struct {
	bun.BaseModel `bun:"table:oauth_entity_states,alias:es"`

	StateKey  string    `bun:"state_key,pk"`
	Data      []byte    `bun:"data,notnull"`
	Version   int64     `bun:"version,notnull"`
	ExpiresAt time.Time `bun:"expires_at,nullzero"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type clientRecord struct {
	bun.BaseModel `bun:"table:oauth_clients,alias:oc"`

	TenantID  string                 `bun:"tenant_id,pk"`
	ClientID  string                 `bun:"client_id,pk"`
	Data      []byte                 `bun:"data,notnull"`
	Secrets   []storage.ClientSecret `bun:"secrets,type:jsonb"`
	UpdatedAt time.Time              `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
