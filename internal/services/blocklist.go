package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Ananth-NQI/wa-relay/internal/apperrors"
	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

// BlocklistService manages numbers whose traffic is refused
type BlocklistService struct {
	store    storage.Store
	identity *IdentityResolver
	log      zerolog.Logger
}

func NewBlocklistService(store storage.Store, identity *IdentityResolver, log zerolog.Logger) *BlocklistService {
	return &BlocklistService{store: store, identity: identity, log: log.With().Str("component", "blocklist").Logger()}
}

// Block adds a number; blocking an already blocked number updates the reason
func (s *BlocklistService) Block(ctx context.Context, phone, reason string) (*models.BlockedNumber, error) {
	digits := s.identity.NormalizeDigits(phone)
	if !IsLikelyPhone(digits) {
		return nil, fmt.Errorf("%w: %q is not a phone number", apperrors.ErrInvalidInput, phone)
	}
	entry := &models.BlockedNumber{Phone: digits, Reason: reason}
	if err := s.store.BlockNumber(ctx, entry); err != nil {
		return nil, fmt.Errorf("block %s: %w", digits, err)
	}
	s.log.Info().Str("phone", digits).Msg("Number blocked")
	return entry, nil
}

// Unblock removes a number
func (s *BlocklistService) Unblock(ctx context.Context, phone string) error {
	digits := s.identity.NormalizeDigits(phone)
	if digits == "" {
		return fmt.Errorf("%w: empty phone", apperrors.ErrInvalidInput)
	}
	if err := s.store.UnblockNumber(ctx, digits); err != nil {
		return fmt.Errorf("unblock %s: %w", digits, err)
	}
	s.log.Info().Str("phone", digits).Msg("Number unblocked")
	return nil
}

// List returns every blocked number
func (s *BlocklistService) List(ctx context.Context) ([]*models.BlockedNumber, error) {
	return s.store.ListBlocked(ctx)
}
