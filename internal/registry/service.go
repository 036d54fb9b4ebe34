// Package registry manages agent profiles: registration with endpoint
// ownership verification, on-chain identity reconciliation, and the
// operator-scoped profile patch surface.
package registry

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/CloakMarket/server/internal/endpointproof"
	"github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/logger"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/money"
	"github.com/CloakMarket/server/internal/onchain"
	"github.com/CloakMarket/server/internal/storage"
)

// Service is the agent profile registry.
type Service struct {
	store   storage.Store
	checker onchain.Checker
	metrics *metrics.Metrics

	defaultServiceWallet string
	defaultTrustScore    int
}

// NewService builds the registry service.
func NewService(store storage.Store, checker onchain.Checker, m *metrics.Metrics, defaultServiceWallet string, defaultTrustScore int) *Service {
	return &Service{
		store:                store,
		checker:              checker,
		metrics:              m,
		defaultServiceWallet: strings.ToLower(defaultServiceWallet),
		defaultTrustScore:    defaultTrustScore,
	}
}

// RegisterInput is the register/upsert request body.
type RegisterInput struct {
	AgentID        string                `json:"agent_id"`
	DisplayName    string                `json:"display_name"`
	Description    string                `json:"description,omitempty"`
	ImageURL       string                `json:"image_url,omitempty"`
	AgentType      storage.AgentType     `json:"agent_type"`
	Capabilities   []string              `json:"capabilities"`
	Endpoints      []string              `json:"endpoints"`
	EndpointProofs []endpointproof.Proof `json:"endpoint_proofs"`
	Pricing        storage.Pricing       `json:"pricing"`
	OperatorWallet string                `json:"operator_wallet"`
	ServiceWallet  string                `json:"service_wallet,omitempty"`
	TrustScore     *int                  `json:"trust_score,omitempty"`
	MetadataURI    string                `json:"metadata_uri,omitempty"`
}

// Register creates or replaces a profile. The bool result reports
// whether the profile was newly created.
func (s *Service) Register(ctx context.Context, callerWallet string, input RegisterInput) (storage.AgentProfile, bool, error) {
	caller := strings.ToLower(strings.TrimSpace(callerWallet))
	operator := strings.ToLower(strings.TrimSpace(input.OperatorWallet))

	if input.AgentID == "" {
		return storage.AgentProfile{}, false, errors.New(errors.ErrCodeValidation, "agent_id is required")
	}
	if input.DisplayName == "" {
		return storage.AgentProfile{}, false, errors.New(errors.ErrCodeValidation, "display_name is required")
	}
	if !input.AgentType.Valid() {
		return storage.AgentProfile{}, false,
			errors.Newf(errors.ErrCodeUnknownType, "unknown agent_type %q", input.AgentType).
				WithDetail("agent_id", input.AgentID)
	}
	if operator == "" || caller != operator {
		return storage.AgentProfile{}, false,
			errors.New(errors.ErrCodeOperatorMismatch, "operator_wallet must match the authenticated wallet")
	}
	if len(input.Endpoints) == 0 {
		return storage.AgentProfile{}, false, errors.New(errors.ErrCodeValidation, "at least one endpoint is required")
	}
	for _, endpoint := range input.Endpoints {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(endpoint)), "https://") {
			return storage.AgentProfile{}, false,
				errors.Newf(errors.ErrCodeValidation, "endpoint %q must be an HTTPS URL", endpoint)
		}
	}
	if err := endpointproof.VerifyProofSet(operator, input.Endpoints, input.EndpointProofs); err != nil {
		var verifyErr endpointproof.VerifyError
		if stderrors.As(err, &verifyErr) {
			return storage.AgentProfile{}, false, errors.New(verifyErr.Code, verifyErr.Error())
		}
		return storage.AgentProfile{}, false, errors.Wrap(errors.ErrCodeValidation, "endpoint proof verification failed", err)
	}
	if err := validatePricing(input.Pricing); err != nil {
		return storage.AgentProfile{}, false, err
	}

	trustScore := s.defaultTrustScore
	if input.TrustScore != nil {
		trustScore = *input.TrustScore
	}
	if trustScore < 0 || trustScore > 100 {
		return storage.AgentProfile{}, false,
			errors.Newf(errors.ErrCodeValidation, "trust_score %d out of range [0,100]", trustScore)
	}

	serviceWallet := strings.ToLower(strings.TrimSpace(input.ServiceWallet))
	if serviceWallet == "" {
		serviceWallet = s.defaultServiceWallet
	}

	identity := s.checker.Check(ctx, input.AgentID, operator)
	if identity.Enforced && identity.Status == onchain.StatusMismatch {
		return storage.AgentProfile{}, false,
			errors.New(errors.ErrCodeOnchainMismatch, "on-chain registry owner does not match operator wallet").
				WithDetail("agent_id", input.AgentID).
				WithDetail("onchain_owner", identity.Owner)
	}

	now := time.Now().UTC()
	existing, err := s.store.GetProfile(ctx, input.AgentID)
	created := stderrors.Is(err, storage.ErrNotFound)
	if err != nil && !created {
		return storage.AgentProfile{}, false, errors.Wrap(errors.ErrCodeStorage, "load profile", err)
	}
	if !created && existing.OperatorWallet != operator {
		return storage.AgentProfile{}, false,
			errors.New(errors.ErrCodeForbidden, "profile is owned by a different operator").
				WithDetail("agent_id", input.AgentID)
	}

	profile := storage.AgentProfile{
		AgentID:        input.AgentID,
		DisplayName:    input.DisplayName,
		Description:    input.Description,
		ImageURL:       input.ImageURL,
		AgentType:      input.AgentType,
		Capabilities:   normalizeCapabilities(input.Capabilities),
		Endpoints:      input.Endpoints,
		EndpointProofs: input.EndpointProofs,
		Pricing:        normalizePricing(input.Pricing),
		OperatorWallet: operator,
		ServiceWallet:  serviceWallet,
		TrustScore:     trustScore,
		Status:         storage.ProfileActive,
		MetadataURI:    input.MetadataURI,
		OnchainStatus:  identity.Status,
		OnchainOwner:   identity.Owner,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastIndexedAt:  now,
	}
	if identity.Status != onchain.StatusSkipped {
		checkedAt := identity.CheckedAt
		profile.OnchainCheckedAt = &checkedAt
	}
	if created {
		// The registry-side identity write is asynchronous; refresh
		// reconciles it once the registry reflects the owner.
		if identity.Enforced && identity.Status == onchain.StatusUnknown {
			profile.OnchainWriteStatus = storage.OnchainWritePending
		}
	} else {
		profile.Verified = existing.Verified
		profile.Status = existing.Status
		profile.CreatedAt = existing.CreatedAt
		profile.OnchainWriteStatus = existing.OnchainWriteStatus
		profile.OnchainWriteTxHash = existing.OnchainWriteTxHash
	}

	if err := s.store.UpsertProfile(ctx, profile); err != nil {
		return storage.AgentProfile{}, false, errors.Wrap(errors.ErrCodeStorage, "store profile", err)
	}

	if created {
		s.metrics.ObserveProfileRegistered()
	} else {
		s.metrics.ObserveProfileUpdated()
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("agent_id", profile.AgentID).
		Str("agent_type", string(profile.AgentType)).
		Bool("created", created).
		Str("onchain_status", profile.OnchainStatus).
		Msg("registry.profile_upserted")

	return profile, created, nil
}

// Get fetches one profile, optionally reconciling on-chain state.
func (s *Service) Get(ctx context.Context, agentID string, refreshOnchain bool) (storage.AgentProfile, error) {
	profile, err := s.store.GetProfile(ctx, agentID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return storage.AgentProfile{}, errors.Newf(errors.ErrCodeAgentNotFound, "agent %q not found", agentID)
	}
	if err != nil {
		return storage.AgentProfile{}, errors.Wrap(errors.ErrCodeStorage, "load profile", err)
	}

	if refreshOnchain {
		profile, err = s.refreshOnchain(ctx, profile)
		if err != nil {
			return storage.AgentProfile{}, err
		}
	}
	return profile, nil
}

// List returns profiles matching the filter.
func (s *Service) List(ctx context.Context, filter storage.ProfileFilter) ([]storage.AgentProfile, error) {
	profiles, err := s.store.ListProfiles(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorage, "list profiles", err)
	}
	return profiles, nil
}

// Patch is the operator-only partial profile update.
type Patch struct {
	Status      *storage.ProfileStatus `json:"status,omitempty"`
	Verified    *bool                  `json:"verified,omitempty"`
	TrustScore  *int                   `json:"trust_score,omitempty"`
	MetadataURI *string                `json:"metadata_uri,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.Verified == nil && p.TrustScore == nil && p.MetadataURI == nil
}

// ApplyPatch updates the mutable profile attributes.
func (s *Service) ApplyPatch(ctx context.Context, callerWallet, agentID string, patch Patch) (storage.AgentProfile, error) {
	if patch.Empty() {
		return storage.AgentProfile{}, errors.New(errors.ErrCodeValidation, "patch must set at least one field")
	}

	profile, err := s.store.GetProfile(ctx, agentID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return storage.AgentProfile{}, errors.Newf(errors.ErrCodeAgentNotFound, "agent %q not found", agentID)
	}
	if err != nil {
		return storage.AgentProfile{}, errors.Wrap(errors.ErrCodeStorage, "load profile", err)
	}
	if profile.OperatorWallet != strings.ToLower(strings.TrimSpace(callerWallet)) {
		return storage.AgentProfile{}, errors.New(errors.ErrCodeForbidden, "only the profile operator may update it").
			WithDetail("agent_id", agentID)
	}

	if patch.Status != nil {
		if !patch.Status.Valid() {
			return storage.AgentProfile{}, errors.Newf(errors.ErrCodeValidation, "unknown status %q", *patch.Status)
		}
		profile.Status = *patch.Status
	}
	if patch.Verified != nil {
		profile.Verified = *patch.Verified
	}
	if patch.TrustScore != nil {
		if *patch.TrustScore < 0 || *patch.TrustScore > 100 {
			return storage.AgentProfile{}, errors.Newf(errors.ErrCodeValidation, "trust_score %d out of range [0,100]", *patch.TrustScore)
		}
		profile.TrustScore = *patch.TrustScore
	}
	if patch.MetadataURI != nil {
		profile.MetadataURI = *patch.MetadataURI
	}
	profile.UpdatedAt = time.Now().UTC()

	if err := s.store.UpsertProfile(ctx, profile); err != nil {
		return storage.AgentProfile{}, errors.Wrap(errors.ErrCodeStorage, "store profile", err)
	}
	s.metrics.ObserveProfileUpdated()
	return profile, nil
}

// CheckIdentity runs the on-chain identity check for a stored profile.
func (s *Service) CheckIdentity(ctx context.Context, profile storage.AgentProfile) onchain.Result {
	return s.checker.Check(ctx, profile.AgentID, profile.OperatorWallet)
}

// refreshOnchain re-runs the identity check and reconciles a pending
// registry write. Lookup failures leave the stored state untouched.
func (s *Service) refreshOnchain(ctx context.Context, profile storage.AgentProfile) (storage.AgentProfile, error) {
	s.metrics.ObserveOnchainRefresh()

	identity := s.checker.Check(ctx, profile.AgentID, profile.OperatorWallet)
	if identity.Status == onchain.StatusSkipped {
		return profile, nil
	}

	profile.OnchainStatus = identity.Status
	profile.OnchainOwner = identity.Owner
	checkedAt := identity.CheckedAt
	profile.OnchainCheckedAt = &checkedAt

	if profile.OnchainWriteStatus == storage.OnchainWritePending {
		switch identity.Status {
		case onchain.StatusVerified:
			profile.OnchainWriteStatus = storage.OnchainWriteConfirmed
		case onchain.StatusMismatch:
			profile.OnchainWriteStatus = storage.OnchainWriteFailed
		}
		// StatusUnknown keeps the write pending for the next refresh.
	}
	profile.UpdatedAt = time.Now().UTC()
	profile.LastIndexedAt = profile.UpdatedAt

	if err := s.store.UpsertProfile(ctx, profile); err != nil {
		return storage.AgentProfile{}, errors.Wrap(errors.ErrCodeStorage, "store refreshed profile", err)
	}
	return profile, nil
}

// validatePricing checks the pricing block shape.
func validatePricing(p storage.Pricing) error {
	if !p.Mode.Valid() {
		return errors.Newf(errors.ErrCodeValidation, "unknown pricing mode %q", p.Mode)
	}
	if !money.Valid(p.Amount) {
		return errors.Newf(errors.ErrCodeValidation, "pricing amount %q must be a non-negative integer string", p.Amount)
	}
	if p.Token == "" {
		return errors.New(errors.ErrCodeValidation, "pricing token is required")
	}
	if p.Mode == storage.PricingSubscription && p.Cadence == "" {
		return errors.New(errors.ErrCodeValidation, "subscription pricing requires a cadence")
	}
	return nil
}

func normalizePricing(p storage.Pricing) storage.Pricing {
	p.Token = strings.ToUpper(strings.TrimSpace(p.Token))
	p.TongoRecipient = strings.TrimSpace(p.TongoRecipient)
	return p
}

// normalizeCapabilities lowercases, trims, and deduplicates while
// preserving the caller's ordering.
func normalizeCapabilities(capabilities []string) []string {
	seen := make(map[string]bool, len(capabilities))
	out := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		normalized := strings.ToLower(strings.TrimSpace(c))
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	return out
}
