package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klikdeploy/backend/internal/cooldown"
	"github.com/klikdeploy/backend/internal/models"
)

// FeeOracle returns the current network fee level in wei per gas.
type FeeOracle interface {
	FeeLevel(ctx context.Context) (uint64, error)
}

// Funds is the part of the ledger admission reads.
type Funds interface {
	AvailableForSubsidy(ctx context.Context) (int64, error)
	RequesterBalance(ctx context.Context, requester string) (int64, error)
}

// Cooldowns is the part of the cooldown tracker admission uses.
type Cooldowns interface {
	Inspect(ctx context.Context, requester string, elevated bool) (cooldown.Assessment, error)
	Recheck(ctx context.Context, requester string, elevated bool) (cooldown.Verdict, error)
	Commit(ctx context.Context, a cooldown.Assessment) error
}

// Throughput counts system-wide submissions.
type Throughput interface {
	CountSubmittedSince(ctx context.Context, since time.Time) (int, error)
}

// Elevation decides whether a requester holds elevated status.
type Elevation interface {
	IsElevated(ctx context.Context, requester string) (bool, error)
}

type Service struct {
	cfg        Config
	operator   string
	fees       FeeOracle
	funds      Funds
	cooldowns  Cooldowns
	throughput Throughput
	elevation  Elevation
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires the classifier to its data sources. operator is the
// operating identity; its exemptions are controlled by cfg flags only.
func NewService(cfg Config, operator string, fees FeeOracle, funds Funds, cooldowns Cooldowns, throughput Throughput, elevation Elevation, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if elevation == nil {
		elevation = NoElevation{}
	}
	return &Service{
		cfg: cfg, operator: operator, fees: fees, funds: funds, cooldowns: cooldowns,
		throughput: throughput, elevation: elevation, logger: logger, now: time.Now,
	}
}

func (s *Service) Config() Config { return s.cfg }

// Classify is a dry run: it returns the decision without recording the attempt.
func (s *Service) Classify(ctx context.Context, req *models.DeploymentRequest) (Decision, error) {
	d, _, err := s.evaluate(ctx, req, false)
	return d, err
}

// Admit classifies a new request and commits the cooldown transition for a
// subsidized attempt, including one that the cooldown itself denied.
func (s *Service) Admit(ctx context.Context, req *models.DeploymentRequest) (Decision, error) {
	d, a, err := s.evaluate(ctx, req, false)
	if err != nil {
		return Decision{}, err
	}
	if a != nil && countsAsAttempt(d) {
		if err := s.cooldowns.Commit(ctx, *a); err != nil {
			return Decision{}, fmt.Errorf("commit cooldown: %w", err)
		}
	}
	s.log(req, d)
	return d, nil
}

// Revalidate re-runs classification for a queued request. The attempt was
// already counted at admission, so the cooldown is checked without escalation.
func (s *Service) Revalidate(ctx context.Context, req *models.DeploymentRequest) (Decision, error) {
	d, _, err := s.evaluate(ctx, req, true)
	return d, err
}

func countsAsAttempt(d Decision) bool {
	if d.Subsidized() {
		return true
	}
	return d.Denial != nil && (d.Denial.Code == DenyCooldown || d.Denial.Code == DenyBanned)
}

func (s *Service) evaluate(ctx context.Context, req *models.DeploymentRequest, recheck bool) (Decision, *cooldown.Assessment, error) {
	in := Input{
		Requester:  req.Requester,
		Reputation: req.Reputation,
		Operator:   s.operator != "" && req.Requester == s.operator,
	}
	var err error
	if in.Elevated, err = s.elevation.IsElevated(ctx, req.Requester); err != nil {
		return Decision{}, nil, fmt.Errorf("elevated status: %w", err)
	}
	if in.FeeLevel, err = s.fees.FeeLevel(ctx); err != nil {
		return Decision{}, nil, fmt.Errorf("fee level: %w", err)
	}
	if in.AvailableSubsidyGwei, err = s.funds.AvailableForSubsidy(ctx); err != nil {
		return Decision{}, nil, fmt.Errorf("available subsidy: %w", err)
	}
	if in.PaidBalanceGwei, err = s.funds.RequesterBalance(ctx, req.Requester); err != nil {
		return Decision{}, nil, fmt.Errorf("requester balance: %w", err)
	}
	if in.RecentSubmissions, err = s.throughput.CountSubmittedSince(ctx, s.now().Add(-time.Hour)); err != nil {
		return Decision{}, nil, fmt.Errorf("recent submissions: %w", err)
	}

	var assessment *cooldown.Assessment
	switch {
	case in.Operator && s.cfg.ExemptOperatorCooldown:
		in.Cooldown = cooldown.Verdict{MayProceed: true, State: cooldown.StateEligible, Reason: cooldown.ReasonAllowed}
	case recheck:
		if in.Cooldown, err = s.cooldowns.Recheck(ctx, req.Requester, in.Elevated); err != nil {
			return Decision{}, nil, fmt.Errorf("recheck cooldown: %w", err)
		}
	default:
		a, err := s.cooldowns.Inspect(ctx, req.Requester, in.Elevated)
		if err != nil {
			return Decision{}, nil, fmt.Errorf("inspect cooldown: %w", err)
		}
		in.Cooldown = a.Verdict
		assessment = &a
	}
	return Classify(s.cfg, in), assessment, nil
}

func (s *Service) log(req *models.DeploymentRequest, d Decision) {
	if d.Admitted() {
		s.logger.Info("request admitted", "request_id", req.ID, "requester", req.Requester, "tier", d.Tier,
			"estimated_cost_gwei", d.EstimatedCostGwei)
		return
	}
	s.logger.Info("request denied", "request_id", req.ID, "requester", req.Requester, "code", d.Denial.Code)
}

// NoElevation grants elevated status to nobody.
type NoElevation struct{}

func (NoElevation) IsElevated(context.Context, string) (bool, error) { return false, nil }

// StaticElevation grants elevated status to a fixed set of identities.
type StaticElevation map[string]bool

func NewStaticElevation(identities []string) StaticElevation {
	m := make(StaticElevation, len(identities))
	for _, id := range identities {
		m[id] = true
	}
	return m
}

func (s StaticElevation) IsElevated(_ context.Context, requester string) (bool, error) {
	return s[requester], nil
}
