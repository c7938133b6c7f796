package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/models"
)

var ErrNoSyncableAccounts = errors.New("no companies with a valid tax id")

// CompanyRepository interface for dependency injection
type CompanyRepository interface {
	ListActive(ctx context.Context) ([]models.Company, error)
}

type AccountResolver struct {
	companyRepo CompanyRepository
	logger      *zap.Logger
}

func NewAccountResolver(companyRepo CompanyRepository, logger *zap.Logger) *AccountResolver {
	return &AccountResolver{
		companyRepo: companyRepo,
		logger:      logger,
	}
}

// Resolve returns the accounts to sync: active companies with a numeric tax
// id, deduplicated and sorted by tax id.
func (r *AccountResolver) Resolve(ctx context.Context) ([]models.SyncAccount, error) {
	companies, err := r.companyRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}

	seen := make(map[string]bool, len(companies))
	accounts := make([]models.SyncAccount, 0, len(companies))
	for _, c := range companies {
		taxID := strings.TrimSpace(c.TaxID)
		if !models.ValidTaxID(taxID) {
			r.logger.Debug("skipping company with invalid tax id",
				zap.String("company_id", c.ID),
				zap.String("tax_id", c.TaxID))
			continue
		}
		if seen[taxID] {
			continue
		}
		seen[taxID] = true
		accounts = append(accounts, models.SyncAccount{TaxID: taxID, Name: c.Name})
	}

	if len(accounts) == 0 {
		return nil, ErrNoSyncableAccounts
	}

	// Tax ids are at most 10 digits, so they always fit an int64.
	sort.Slice(accounts, func(i, j int) bool {
		a, _ := strconv.ParseInt(accounts[i].TaxID, 10, 64)
		b, _ := strconv.ParseInt(accounts[j].TaxID, 10, 64)
		return a < b
	})
	return accounts, nil
}
