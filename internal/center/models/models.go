package models

import (
	"strings"
	"time"

	id "exambridge/pkg/domain"
	strutil "exambridge/pkg/platform/strings"
)

// Center is a physical exam venue. PasswordHash and AgeRecipient are set at
// registration; the sync counters are refreshed by the center itself.
type Center struct {
	ID            id.CenterID `json:"id"`
	Code          string      `json:"code"`
	Name          string      `json:"name"`
	Location      string      `json:"location,omitempty"`
	PasswordHash  []byte      `json:"-"`
	AgeRecipient  string      `json:"age_recipient"`
	LANAddress    string      `json:"lan_address,omitempty"`
	LANPort       int         `json:"lan_port,omitempty"`
	Seats         int         `json:"seats"`
	Computers     int         `json:"computers"`
	SyncedCount   int         `json:"synced_count"`
	UnsyncedCount int         `json:"unsynced_count"`
	LastSyncAt    *time.Time  `json:"last_sync_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type RegisterRequest struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Location     string `json:"location"`
	Password     string `json:"password"`
	AgeRecipient string `json:"age_recipient"`
	LANAddress   string `json:"lan_address"`
	LANPort      int    `json:"lan_port"`
	Seats        int    `json:"seats"`
	Computers    int    `json:"computers"`
}

// Normalize trims the free-text fields and upper-cases the code.
func (r *RegisterRequest) Normalize() {
	r.Code = strutil.UpperCode(r.Code)
	r.Name = strings.TrimSpace(r.Name)
	r.Location = strings.TrimSpace(r.Location)
	r.AgeRecipient = strings.TrimSpace(r.AgeRecipient)
	r.LANAddress = strings.TrimSpace(r.LANAddress)
}

type LoginRequest struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

// LoginResult carries the bearer token a center uses on the center API.
type LoginResult struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Center      *Center   `json:"center"`
}
