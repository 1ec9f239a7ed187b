package db

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// 委托事件，(transaction_hash, to_delegate) 唯一
// 完整事件：DelegateChanged 与 DelegateVotesChanged 两条日志都已观察到
type DelegationEvent struct {
	ID                     int64     `gorm:"primaryKey" json:"-"`
	BlockNumber            uint64    `gorm:"index" json:"blockNumber"`
	TransactionHash        string    `gorm:"size:66;index:,unique,composite:event_key" json:"transactionHash"`
	ToDelegate             string    `gorm:"size:42;index:,unique,composite:event_key" json:"toDelegate"`
	Delegator              *string   `gorm:"size:42" json:"delegator,omitempty"`
	FromDelegate           *string   `gorm:"size:42" json:"fromDelegate,omitempty"`
	AmountDelegatedChanged *float64  `json:"amountDelegatedChanged,omitempty"`
	Timestamp              uint64    `json:"timestamp"`
	CreatedAt              time.Time `json:"-"`
}

func (DelegationEvent) TableName() string { return "delegation_events" }

// Key 去重键
func (e DelegationEvent) Key() string {
	return EventKey(e.TransactionHash, e.ToDelegate)
}

// Complete 两条日志都存在
func (e DelegationEvent) Complete() bool {
	return e.Delegator != nil && e.AmountDelegatedChanged != nil
}

func EventKey(txHash, toDelegate string) string {
	return strings.ToLower(txHash) + "-" + strings.ToLower(toDelegate)
}

// 不完整事件：只有 DelegateVotesChanged
type IncompleteEvent DelegationEvent

func (IncompleteEvent) TableName() string { return "incomplete_delegation_events" }

// 同步进度（水位线），单行
type SyncState struct {
	ID          uint `gorm:"primaryKey"`
	LatestBlock uint64
	UpdatedAt   time.Time
}

// 投票权
type VoteWeight struct {
	Address          string    `gorm:"primaryKey;size:42" json:"address"`
	Weight           string    `gorm:"size:80" json:"weight"`
	EventCalcWeight  *string   `gorm:"size:80" json:"eventCalcWeight,omitempty"`
	UniqueDelegators int       `json:"uniqueDelegators"`
	DelegatorPercent string    `gorm:"size:16" json:"delegatorPercent"`
	UpdatedAt        time.Time `json:"-"`
}

// 受托人
type Delegate struct {
	Address             string    `gorm:"primaryKey;size:42" json:"address"`
	Name                string    `json:"name,omitempty"`
	ENS                 string    `gorm:"column:ens" json:"ens,omitempty"`
	TallyProfile        bool      `json:"tallyProfile"`
	IsSeekingDelegation bool      `json:"isSeekingDelegation"`
	CreatedAt           time.Time `json:"-"`
	UpdatedAt           time.Time `json:"-"`
}

// 汇总指标快照，每次全量重建
type Metrics struct {
	ID                            uint      `gorm:"primaryKey" json:"-"`
	TotalVotingPower              string    `json:"totalVotingPower"`
	TotalDelegates                int       `json:"totalDelegates"`
	TotalDelegators               int       `json:"totalDelegators"`
	TallyRegisteredDelegates      int       `json:"tallyRegisteredDelegates"`
	TallyVotingPowerPercentage    string    `json:"tallyVotingPowerPercentage"`
	DelegatesWithVotingPower      int       `json:"delegatesWithVotingPower"`
	DelegatesWithSignificantPower int       `json:"delegatesWithSignificantPower"`
	Timestamp                     time.Time `json:"timestamp"`
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&DelegationEvent{},
		&IncompleteEvent{},
		&SyncState{},
		&VoteWeight{},
		&Delegate{},
		&Metrics{},
	)
}
