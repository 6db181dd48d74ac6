package store

import (
	"time"
)

// User is the identity anchor for curators, admins and viewers.
type User struct {
	ID              string      `gorm:"primaryKey" json:"id"`
	Name            string      `gorm:"not null" json:"name"`
	Email           string      `gorm:"uniqueIndex;not null" json:"email"`
	ProviderSubject *string     `gorm:"uniqueIndex" json:"provider_subject,omitempty"`
	Score           int         `gorm:"not null;default:0" json:"score"`
	Roles           []RoleGrant `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// RoleGrant records that a user holds a role. (UserID, Role) is unique.
type RoleGrant struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"uniqueIndex:uq_user_role;not null" json:"user_id"`
	Role      string    `gorm:"uniqueIndex:uq_user_role;not null" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName keeps the historical table name.
func (RoleGrant) TableName() string { return "user_roles" }

// Session is a server-side browser session. Only a keyed hash of the
// cookie token is stored.
type Session struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	TokenHash    string     `gorm:"uniqueIndex;not null" json:"-"`
	UserID       string     `gorm:"index;not null" json:"user_id"`
	Email        string     `gorm:"not null" json:"email"`
	Roles        string     `gorm:"not null" json:"roles"`
	ExpiresAt    time.Time  `gorm:"not null;index" json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt *time.Time `json:"last_active_at"`
}

// SVCandidate is a structural variant call awaiting curation.
type SVCandidate struct {
	ID       string  `gorm:"primaryKey" json:"id"`
	SampleID string  `gorm:"index;not null" json:"sample_id"`
	Chrom    string  `gorm:"not null" json:"chrom"`
	Pos1     int64   `gorm:"not null" json:"pos1"`
	Pos2     *int64  `json:"pos2,omitempty"`
	SVType   string  `gorm:"column:svtype;not null" json:"svtype"`
	Size     *int64  `json:"size,omitempty"`
	Caller   *string `json:"caller,omitempty"`
}

// Label is one curator's call on an SV candidate.
type Label struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	SVID          string    `gorm:"column:sv_id;index;not null" json:"sv_id"`
	CuratorID     string    `gorm:"index;not null" json:"curator_id"`
	Outcome       string    `gorm:"not null" json:"outcome"`
	Zygosity      string    `json:"zygosity,omitempty"`
	ClonalityBin  string    `json:"clonality_bin,omitempty"`
	Confidence    int       `gorm:"not null" json:"confidence"`
	EvidenceFlags []string  `gorm:"serializer:json" json:"evidence_flags"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// Consensus is the aggregated label for an SV candidate.
type Consensus struct {
	SVID      string    `gorm:"column:sv_id;primaryKey" json:"sv_id"`
	Label     string    `gorm:"not null" json:"label"`
	Prob      float64   `gorm:"not null" json:"prob"`
	NCurators int       `gorm:"column:n_curators;not null" json:"n_curators"`
	Method    string    `gorm:"not null" json:"method"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the historical table name.
func (Consensus) TableName() string { return "consensus" }

// SVFilter narrows ListSVs.
type SVFilter struct {
	SampleID string
	SVType   string
	Limit    int
}

// UserSelector identifies a user by email and/or provider subject.
type UserSelector struct {
	Email           string
	ProviderSubject string
	Name            string
}
