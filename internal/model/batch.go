package model

import "time"

// BatchState is the lifecycle state of a Batch (§3).
type BatchState string

// Enumerated batch states.
const (
	BatchPending   BatchState = "PENDING"
	BatchSubmitted BatchState = "SUBMITTED"
	BatchCompleted BatchState = "COMPLETED"
	BatchDeclined  BatchState = "DECLINED"
)

// Batch is an atomic unit of ledger work, executed in insertion order:
// either a single RetireTransaction on the parent itself, or one
// SplitTransaction followed by zero or more RetireTransactions.
type Batch struct {
	ID          uint       `gorm:"primaryKey"`
	UserSubject string     `gorm:"index;size:128;not null"`
	State       BatchState `gorm:"index;size:16;not null"`
	Handle      string     `gorm:"size:128"`
	PollCount   int        `gorm:"not null;default:0"`

	Transactions []Transaction `gorm:"foreignKey:BatchID"`

	CreatedAt   time.Time
	SubmittedAt *time.Time
}

// TableName pins the table name.
func (Batch) TableName() string { return "batches" }

// TransactionKind discriminates the two Transaction shapes.
type TransactionKind string

// Enumerated transaction kinds.
const (
	TransactionSplit  TransactionKind = "split"
	TransactionRetire TransactionKind = "retire"
)

// Transaction is one ledger operation within a Batch. Kind selects
// which fields are meaningful: Split transactions carry their targets
// in a separate SplitTarget table; Retire transactions carry the
// meteringpoint/measurement fields directly.
type Transaction struct {
	ID      uint `gorm:"primaryKey"`
	BatchID uint `gorm:"uniqueIndex:idx_batch_order;index;not null"`
	Order   int  `gorm:"uniqueIndex:idx_batch_order;not null"`

	Kind TransactionKind `gorm:"size:16;not null"`

	// ParentGGOID is unique across all transactions: a parent GGO may be
	// spent by exactly one transaction (§5 single-spend invariant).
	ParentGGOID uint `gorm:"uniqueIndex;not null"`

	Targets []SplitTarget `gorm:"foreignKey:TransactionID"`

	RetireMeteringpointGSRN string     `gorm:"size:64"`
	RetireMeasurementID     *uint      `gorm:"index"`
	RetireBegin             *time.Time `gorm:""`

	CreatedAt time.Time
}

// TableName pins the table name.
func (Transaction) TableName() string { return "transactions" }

// SplitTarget is one child GGO produced by a SplitTransaction, with an
// optional client reference (e.g. an agreement's public ID).
type SplitTarget struct {
	ID            uint    `gorm:"primaryKey"`
	TransactionID uint    `gorm:"index;not null"`
	GGOID         uint    `gorm:"uniqueIndex;not null"`
	Reference     *string `gorm:"index;size:64"`
}

// TableName pins the table name.
func (SplitTarget) TableName() string { return "split_targets" }

// Event is an append-only audit trail row for a mutation the engine
// performed, attributed to an acting subject.
type Event struct {
	ID          uint   `gorm:"primaryKey"`
	Subject     string `gorm:"index;size:128;not null"`
	GGOID       *uint  `gorm:"index"`
	BatchID     *uint  `gorm:"index"`
	AgreementID *uint  `gorm:"index"`
	Action      string `gorm:"index;size:64;not null"`
	Details     string `gorm:"size:1024"`
	CreatedAt   time.Time
}

// TableName pins the table name.
func (Event) TableName() string { return "events" }
