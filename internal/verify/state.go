package verify

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// Filter selects batch records for a detail view
type Filter string

const (
	FilterAll                  Filter = "all"
	FilterSuccess              Filter = "success"
	FilterVerificationRequired Filter = "verification_required"
	FilterFailed               Filter = "failed"
)

// Apply returns the items matching f. Failed includes auth-expired
// accounts; an unknown filter matches everything.
func (f Filter) Apply(items []domain.VerificationItem) []domain.VerificationItem {
	out := make([]domain.VerificationItem, 0, len(items))
	for _, item := range items {
		switch f {
		case FilterSuccess:
			if item.Status != domain.StatusSuccess {
				continue
			}
		case FilterVerificationRequired:
			if item.Status != domain.StatusVerificationRequired {
				continue
			}
		case FilterFailed:
			if item.Status != domain.StatusFailed && item.Status != domain.StatusAuthExpired {
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

// History returns stored batches, most recent first, with account emails
// refreshed from the registry
func (r *Runner) History(ctx context.Context) ([]domain.VerificationBatch, error) {
	batches, err := r.store.LoadBatches(ctx)
	if err != nil {
		return nil, err
	}
	emails, err := r.emails(ctx)
	if err != nil {
		return batches, nil
	}
	for i := range batches {
		for j := range batches[i].Records {
			if email, ok := emails[batches[i].Records[j].AccountID]; ok {
				batches[i].Records[j].Email = email
			}
		}
	}
	return batches, nil
}

// DeleteHistory removes batches and reports how many existed
func (r *Runner) DeleteHistory(ctx context.Context, ids []string) (int, error) {
	return r.store.DeleteBatches(ctx, ids)
}

// DisplayState returns one item per registry account: its saved state or
// an idle placeholder. Items are sorted by last verification, newest
// first, then by email.
func (r *Runner) DisplayState(ctx context.Context) ([]domain.VerificationItem, error) {
	accounts, err := r.accounts.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	saved, err := r.store.LoadStates(ctx)
	if err != nil {
		r.logger.Warn("loading verification state failed", zap.Error(err))
	}

	items := make([]domain.VerificationItem, 0, len(accounts))
	for _, a := range accounts {
		item, ok := saved[a.ID]
		if !ok {
			item = domain.VerificationItem{AccountID: a.ID, Status: domain.StatusIdle}
		}
		item.Email = a.Email
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].LastVerifyAt != items[j].LastVerifyAt {
			return items[i].LastVerifyAt > items[j].LastVerifyAt
		}
		return items[i].Email < items[j].Email
	})
	return items, nil
}

func (r *Runner) emails(ctx context.Context) (map[string]string, error) {
	accounts, err := r.accounts.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(accounts))
	for _, a := range accounts {
		out[a.ID] = a.Email
	}
	return out, nil
}
