package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type validationStore struct {
	db *gorm.DB
}

func toModel(rec *domain.ValidationRecord) (ValidationModel, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return ValidationModel{}, err
	}
	return ValidationModel{
		Hash:      rec.Request.Hash.String(),
		Model:     string(rec.Request.Model),
		Status:    string(rec.Request.Status),
		Requester: rec.Request.Requester.String(),
		Deadline:  rec.Request.Deadline.UTC(),
		Record:    raw,
		Version:   int64(rec.Version),
		CreatedAt: rec.Request.CreatedAt.UTC(),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func fromModel(m ValidationModel) (*domain.ValidationRecord, error) {
	var rec domain.ValidationRecord
	if err := json.Unmarshal(m.Record, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", m.Hash, err)
	}
	return &rec, nil
}

// lockBalance returns the balance row for addr, locked FOR UPDATE, creating it at zero when absent.
func lockBalance(tx *gorm.DB, addr domain.Address) (uint64, error) {
	seed := BalanceModel{Address: addr.String(), Amount: "0", UpdatedAt: time.Now().UTC()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return 0, err
	}
	var row BalanceModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "address = ?", addr.String()).Error; err != nil {
		return 0, err
	}
	return strconv.ParseUint(row.Amount, 10, 64)
}

func setBalance(tx *gorm.DB, addr domain.Address, amount uint64) error {
	return tx.Model(&BalanceModel{}).Where("address = ?", addr.String()).
		Updates(map[string]any{"amount": strconv.FormatUint(amount, 10), "updated_at": time.Now().UTC()}).Error
}

func (s *validationStore) Create(ctx context.Context, rec *domain.ValidationRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := lockBalance(tx, rec.Request.Requester)
		if err != nil {
			return err
		}
		if bal < rec.Escrow {
			return fmt.Errorf("%w: balance %d, escrow %d", domain.ErrInsufficientFunds, bal, rec.Escrow)
		}
		rec.Version = 1
		m, err := toModel(rec)
		if err != nil {
			return err
		}
		if err := tx.Create(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrAlreadyExists
			}
			return err
		}
		return setBalance(tx, rec.Request.Requester, bal-rec.Escrow)
	})
}

func (s *validationStore) Get(ctx context.Context, hash domain.Hash) (*domain.ValidationRecord, error) {
	var m ValidationModel
	if err := s.db.WithContext(ctx).First(&m, "hash = ?", hash.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return fromModel(m)
}

func (s *validationStore) Update(ctx context.Context, hash domain.Hash, fn persistence.Mutation) (*domain.ValidationRecord, error) {
	var out *domain.ValidationRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m ValidationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "hash = ?", hash.String()).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		before, err := fromModel(m)
		if err != nil {
			return err
		}
		rec := persistence.CloneRecord(before)
		transfers, err := fn(rec)
		if err != nil {
			return err
		}
		if err := persistence.CheckConservation(before.Escrow, rec.Escrow, transfers); err != nil {
			return err
		}

		// Lock balance rows in address order so concurrent settlements cannot deadlock.
		credits := make(map[domain.Address]uint64)
		for _, t := range transfers {
			v, err := domain.AddAmount(credits[t.To], t.Amount)
			if err != nil {
				return err
			}
			credits[t.To] = v
		}
		addrs := make([]domain.Address, 0, len(credits))
		for a := range credits {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
		for _, a := range addrs {
			if credits[a] == 0 {
				continue
			}
			bal, err := lockBalance(tx, a)
			if err != nil {
				return err
			}
			next, err := domain.AddAmount(bal, credits[a])
			if err != nil {
				return err
			}
			if err := setBalance(tx, a, next); err != nil {
				return err
			}
		}

		rec.Version = before.Version + 1
		nm, err := toModel(rec)
		if err != nil {
			return err
		}
		if err := tx.Model(&ValidationModel{}).Where("hash = ?", nm.Hash).Updates(map[string]any{
			"status":     nm.Status,
			"record":     nm.Record,
			"version":    nm.Version,
			"updated_at": nm.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *validationStore) DueBefore(ctx context.Context, before time.Time, limit int) ([]domain.Hash, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ValidationModel
	err := s.db.WithContext(ctx).Select("hash").
		Where("status = ? AND deadline <= ?", string(domain.StatusPending), before.UTC()).
		Order("deadline ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Hash, 0, len(rows))
	for _, r := range rows {
		h, err := domain.ParseHash(r.Hash)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *validationStore) Stats(ctx context.Context, now time.Time) ([]domain.ProtocolStats, error) {
	type row struct {
		Model   string
		Pending int64
		Overdue int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&ValidationModel{}).
		Select("model, COUNT(*) AS pending, COUNT(*) FILTER (WHERE deadline <= ?) AS overdue", now.UTC()).
		Where("status = ?", string(domain.StatusPending)).
		Group("model").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	byModel := make(map[string]row, len(rows))
	for _, r := range rows {
		byModel[r.Model] = r
	}
	out := make([]domain.ProtocolStats, 0, len(domain.AllModels))
	for _, m := range domain.AllModels {
		r := byModel[string(m)]
		out = append(out, domain.ProtocolStats{Model: m, Pending: r.Pending, Overdue: r.Overdue})
	}
	return out, nil
}

func (s *validationStore) Balance(ctx context.Context, addr domain.Address) (uint64, error) {
	var row BalanceModel
	err := s.db.WithContext(ctx).First(&row, "address = ?", addr.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(row.Amount, 10, 64)
}

func (s *validationStore) Deposit(ctx context.Context, addr domain.Address, amount uint64) (uint64, error) {
	var out uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := lockBalance(tx, addr)
		if err != nil {
			return err
		}
		next, err := domain.AddAmount(bal, amount)
		if err != nil {
			return err
		}
		out = next
		return setBalance(tx, addr, next)
	})
	return out, err
}

type attestorStore struct {
	db *gorm.DB
}

func (s *attestorStore) PutAttestor(ctx context.Context, a domain.TrustedAttestor) error {
	m := AttestorModel{
		Address:     a.Address.String(),
		Measurement: a.Measurement.String(),
		Label:       a.Label,
		AddedAt:     a.AddedAt.UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"measurement", "label", "added_at"}),
	}).Create(&m).Error
}

func attestorFromModel(m AttestorModel) (*domain.TrustedAttestor, error) {
	addr, err := domain.ParseAddress(m.Address)
	if err != nil {
		return nil, err
	}
	meas, err := domain.ParseHash(m.Measurement)
	if err != nil {
		return nil, err
	}
	return &domain.TrustedAttestor{Address: addr, Measurement: meas, Label: m.Label, AddedAt: m.AddedAt}, nil
}

func (s *attestorStore) GetAttestor(ctx context.Context, addr domain.Address) (*domain.TrustedAttestor, error) {
	var m AttestorModel
	if err := s.db.WithContext(ctx).First(&m, "address = ?", addr.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return attestorFromModel(m)
}

func (s *attestorStore) RemoveAttestor(ctx context.Context, addr domain.Address) error {
	res := s.db.WithContext(ctx).Delete(&AttestorModel{}, "address = ?", addr.String())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *attestorStore) ListAttestors(ctx context.Context) ([]domain.TrustedAttestor, error) {
	var rows []AttestorModel
	if err := s.db.WithContext(ctx).Order("address ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.TrustedAttestor, 0, len(rows))
	for _, r := range rows {
		a, err := attestorFromModel(r)
		if err != nil {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}
