package repository

import (
	"context"
	"time"

	"github.com/medvoya/core/internal/routing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// FindEligibleNodes joins each node with its currently valid certification
// for the procedure. Overlapping validity windows resolve to the cert
// expiring last, so a node appears at most once. Ordered by id for a
// deterministic input to ranking.
func (r *repo) FindEligibleNodes(
	ctx context.Context,
	db *gorm.DB,
	location string,
	procedureID string,
	requireInternational bool,
	now time.Time,
) ([]domain.EligibleNode, error) {
	query := `SELECT
			n.id, n.name, n.location, n.capacity, n.booked, n.redirect_threshold,
			n.active, n.certified, n.tourism_enabled, n.accepts_international,
			n.sla_response_minutes, n.sla_followup_minutes, n.margin_factor,
			n.created_at, n.updated_at,
			c.level AS certification_level
		FROM provider_nodes n
		JOIN certifications c ON c.id = (
			SELECT c2.id FROM certifications c2
			WHERE c2.node_id = n.id
				AND c2.procedure_id = ?
				AND c2.valid_from <= ?
				AND c2.valid_until > ?
			ORDER BY c2.valid_until DESC, c2.id DESC
			LIMIT 1
		)
		WHERE n.active = TRUE
			AND n.certified = TRUE
			AND n.tourism_enabled = TRUE`
	args := []any{procedureID, now, now}

	if location != "" {
		query += ` AND n.location = ?`
		args = append(args, location)
	}
	if requireInternational {
		query += ` AND n.accepts_international = TRUE`
	}
	query += ` ORDER BY n.id ASC`

	var nodes []domain.EligibleNode
	err := db.WithContext(ctx).Raw(query, args...).Scan(&nodes).Error
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *repo) LoadWeightPolicy(ctx context.Context, db *gorm.DB) (domain.WeightPolicy, error) {
	var rows []domain.CertificationWeight
	err := db.WithContext(ctx).Raw(
		`SELECT level, weight FROM certification_weights`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	policy := make(domain.WeightPolicy, len(rows))
	for _, row := range rows {
		policy[row.Level] = row.Weight
	}
	return policy, nil
}
