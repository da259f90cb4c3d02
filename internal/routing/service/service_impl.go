package service

import (
	"context"
	"sort"
	"strings"

	"github.com/medvoya/core/internal/clock"
	"github.com/medvoya/core/internal/routing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("routing.service"),
		repo:  p.Repo,
		clock: p.Clock,
	}
}

// FindCandidates ranks eligible nodes by saturation, certification weight
// and response SLA. An empty result is a valid answer, not an error.
func (s *Service) FindCandidates(
	ctx context.Context,
	location string,
	procedureID string,
	acceptsInternational bool,
) ([]domain.Candidate, error) {
	procedureID = strings.TrimSpace(procedureID)
	location = strings.TrimSpace(location)

	now := s.clock.Now()
	nodes, err := s.repo.FindEligibleNodes(ctx, s.db, location, procedureID, acceptsInternational, now)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return []domain.Candidate{}, nil
	}

	policy, err := s.repo.LoadWeightPolicy(ctx, s.db)
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, 0, len(nodes))
	for _, node := range nodes {
		saturation := saturationOf(node.Booked, node.Capacity)
		candidates = append(candidates, domain.Candidate{
			NodeID:              node.ID,
			Name:                node.Name,
			Location:            node.Location,
			Saturation:          saturation,
			LoadStatus:          classify(saturation, node.RedirectThreshold, node.Capacity),
			CertificationLevel:  node.CertificationLevel,
			CertificationWeight: policy.WeightFor(node.CertificationLevel),
			SLAResponseMinutes:  node.SLAResponseMinutes,
			MarginFactor:        node.MarginFactor,
		})
	}

	// Stable sort keeps input order on full ties, so repeated calls over
	// the same snapshot return the same ordering.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Saturation != b.Saturation {
			return a.Saturation < b.Saturation
		}
		if a.CertificationWeight != b.CertificationWeight {
			return a.CertificationWeight > b.CertificationWeight
		}
		return a.SLAResponseMinutes < b.SLAResponseMinutes
	})

	return candidates, nil
}

// saturationOf treats zero capacity as fully saturated rather than a
// division error.
func saturationOf(booked, capacity int) float64 {
	if capacity <= 0 {
		return 1.0
	}
	return float64(booked) / float64(capacity)
}

func classify(saturation, redirectThreshold float64, capacity int) domain.LoadStatus {
	if capacity <= 0 || saturation >= redirectThreshold {
		return domain.LoadSaturated
	}
	if saturation >= domain.HighLoadRatio {
		return domain.LoadHigh
	}
	return domain.LoadAvailable
}
