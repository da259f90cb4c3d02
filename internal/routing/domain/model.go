package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// LoadStatus classifies a node's current booking pressure.
type LoadStatus string

const (
	LoadAvailable LoadStatus = "AVAILABLE"
	LoadHigh      LoadStatus = "HIGH_LOAD"
	LoadSaturated LoadStatus = "SATURATED"
)

// HighLoadRatio is the saturation floor for the HIGH_LOAD classification.
const HighLoadRatio = 0.70

// ProviderNode is a service-delivery location. The core only reads node
// state; capacity counters are maintained by an external sync job.
type ProviderNode struct {
	ID                   snowflake.ID `gorm:"primaryKey" json:"id"`
	Name                 string       `gorm:"type:text;not null" json:"name"`
	Location             string       `gorm:"type:text;not null" json:"location"`
	Capacity             int          `gorm:"not null" json:"capacity"`
	Booked               int          `gorm:"not null" json:"booked"`
	RedirectThreshold    float64      `gorm:"not null" json:"redirect_threshold"`
	Active               bool         `gorm:"not null" json:"active"`
	Certified            bool         `gorm:"not null" json:"certified"`
	TourismEnabled       bool         `gorm:"not null" json:"tourism_enabled"`
	AcceptsInternational bool         `gorm:"not null" json:"accepts_international"`
	SLAResponseMinutes   int          `gorm:"column:sla_response_minutes;not null" json:"sla_response_minutes"`
	SLAFollowupMinutes   int          `gorm:"column:sla_followup_minutes;not null" json:"sla_followup_minutes"`
	MarginFactor         float64      `gorm:"not null" json:"margin_factor"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ProviderNode) TableName() string { return "provider_nodes" }

// Certification binds a node to a procedure for a validity window.
// Superseded rows are kept as history.
type Certification struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	NodeID           snowflake.ID `gorm:"not null;index" json:"node_id"`
	ProcedureID      string       `gorm:"type:text;not null" json:"procedure_id"`
	Level            string       `gorm:"type:text;not null" json:"level"`
	IssuingAuthority string       `gorm:"type:text" json:"issuing_authority"`
	ValidFrom        time.Time    `gorm:"not null" json:"valid_from"`
	ValidUntil       time.Time    `gorm:"not null" json:"valid_until"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Certification) TableName() string { return "certifications" }

// CertificationWeight converts a certification level into a routing score.
type CertificationWeight struct {
	Level  string  `gorm:"primaryKey;type:text" json:"level"`
	Weight float64 `gorm:"not null" json:"weight"`
}

// TableName sets the database table name.
func (CertificationWeight) TableName() string { return "certification_weights" }

// WeightPolicy maps certification levels to scores. Loaded from the
// certification_weights table, not hard-coded; unknown levels score 0.
type WeightPolicy map[string]float64

func (p WeightPolicy) WeightFor(level string) float64 {
	if p == nil {
		return 0
	}
	return p[level]
}

// Candidate is one ranked routing result.
type Candidate struct {
	NodeID              snowflake.ID `json:"node_id"`
	Name                string       `json:"name"`
	Location            string       `json:"location"`
	Saturation          float64      `json:"saturation"`
	LoadStatus          LoadStatus   `json:"load_status"`
	CertificationLevel  string       `json:"certification_level"`
	CertificationWeight float64      `json:"certification_weight"`
	SLAResponseMinutes  int          `json:"sla_response_minutes"`
	MarginFactor        float64      `json:"margin_factor"`
}

// EligibleNode is a node row joined with its currently valid
// certification for the requested procedure.
type EligibleNode struct {
	ProviderNode
	CertificationLevel string `json:"certification_level"`
}

// Repository reads node state. The routing engine never writes.
type Repository interface {
	FindEligibleNodes(ctx context.Context, db *gorm.DB, location, procedureID string, requireInternational bool, now time.Time) ([]EligibleNode, error)
	LoadWeightPolicy(ctx context.Context, db *gorm.DB) (WeightPolicy, error)
}

// Service ranks eligible nodes for a service request.
type Service interface {
	FindCandidates(ctx context.Context, location, procedureID string, acceptsInternational bool) ([]Candidate, error)
}
