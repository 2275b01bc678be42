package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// MigrationState is the phase of one device-migration handshake.
type MigrationState string

// Migration phases, in order.
const (
	MigrationRequested MigrationState = "requested"
	MigrationAccepted  MigrationState = "accepted"
	MigrationSent      MigrationState = "sent"
)

// MigrationData is the accepter's export sealed to the requester's MigrateKey and
// signed with the accepter's MigrateDataSignKey.
type MigrationData struct {
	Export EncryptedDataMigrateKey `json:"export"`
	Sign   Sign                    `json:"sign"`
}

// Migration is the server-side record of one handshake.
type Migration struct {
	ID               uuid.UUID              `json:"id"`
	State            MigrationState         `json:"state"`
	RequesterUser    uuid.UUID              `json:"requesterUser"`
	RequesterSession uuid.UUID              `json:"requesterSession"`
	MigrateKey       MigrateKeyPub          `json:"migrateKey"`
	AccepterSession  uuid.UUID              `json:"accepterSession"`       // set on accept
	DataSignKey      *MigrateDataSignKeyPub `json:"dataSignKey,omitempty"` // set on accept
	Data             *MigrationData         `json:"data,omitempty"`        // set on send
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// KeyExport is the full key material an enrolled device hands to a migrating one.
type KeyExport struct {
	UserID     uuid.UUID  `json:"userId"`
	Master     MasterKey  `json:"master"`
	Account    AccountKey `json:"account"`
	Share      *ShareKey  `json:"share,omitempty"`
	ExportedAt time.Time  `json:"exportedAt"`
	Version    int        `json:"version"`
}
