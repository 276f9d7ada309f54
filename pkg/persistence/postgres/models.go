package postgres

import "time"

type ValidationModel struct {
	Hash      string    `gorm:"primaryKey;size:66"`
	Model     string    `gorm:"index;not null"`
	Status    string    `gorm:"index;not null"`
	Requester string    `gorm:"index;size:42;not null"`
	Deadline  time.Time `gorm:"index;not null"`
	Record    []byte    `gorm:"type:bytea;not null"`
	Version   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ValidationModel) TableName() string {
	return "validations"
}

// BalanceModel stores uint64 amounts as numeric(20,0); bigint cannot hold the full range.
type BalanceModel struct {
	Address   string    `gorm:"primaryKey;size:42"`
	Amount    string    `gorm:"type:numeric(20,0);not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (BalanceModel) TableName() string {
	return "balances"
}

type AttestorModel struct {
	Address     string `gorm:"primaryKey;size:42"`
	Measurement string `gorm:"size:66;not null"`
	Label       string
	AddedAt     time.Time `gorm:"not null"`
}

func (AttestorModel) TableName() string {
	return "trusted_attestors"
}
