package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justicevae/votewatch/config"
	"github.com/justicevae/votewatch/db"
	"github.com/justicevae/votewatch/retry"
	"github.com/justicevae/votewatch/tally"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
	carol = "0x00000000000000000000000000000000000ca401"
	dave  = "0x000000000000000000000000000000000000da7e"
)

type stores struct {
	events    *db.EventStore
	weights   *db.WeightStore
	delegates *db.DelegateStore
	metrics   *db.MetricsStore
}

func newStores(t *testing.T) stores {
	t.Helper()
	database, err := db.InitDB(config.DatabaseConfig{
		Driver:  "sqlite",
		DSN:     fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
		MaxOpen: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseDB(database) })
	return stores{
		events:    db.NewEventStore(database),
		weights:   db.NewWeightStore(database),
		delegates: db.NewDelegateStore(database),
		metrics:   db.NewMetricsStore(database),
	}
}

type fakeVotes struct {
	mu    sync.Mutex
	votes map[common.Address]*big.Int
	errs  map[common.Address][]error
	calls map[common.Address]int
}

func newFakeVotes() *fakeVotes {
	return &fakeVotes{
		votes: make(map[common.Address]*big.Int),
		errs:  make(map[common.Address][]error),
		calls: make(map[common.Address]int),
	}
}

func (f *fakeVotes) set(addr string, wholeTokensTimes100 int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := new(big.Int).Mul(big.NewInt(wholeTokensTimes100), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	f.votes[common.HexToAddress(addr)] = raw
}

func (f *fakeVotes) GetVotes(_ *bind.CallOpts, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[account]++
	if errs := f.errs[account]; len(errs) > 0 {
		err := errs[0]
		if len(errs) > 1 {
			f.errs[account] = errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	if v, ok := f.votes[account]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeVotes) callCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[common.HexToAddress(addr)]
}

func addr(s string) common.Address { return common.HexToAddress(s) }

var errRevert = errors.New("execution reverted")

func newTestReader(votes VotesCaller) *ChainReader {
	cfg := retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return NewChainReader(votes, 18, 3, time.Millisecond, cfg, zap.NewNop())
}

type fakeRegistry struct {
	rows []tally.Delegate
	err  error
}

func (f *fakeRegistry) FetchDelegates(context.Context) ([]tally.Delegate, error) {
	return f.rows, f.err
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func complete(block uint64, tx, delegator, to string, amount float64) db.DelegationEvent {
	return db.DelegationEvent{
		BlockNumber:            block,
		TransactionHash:        tx,
		ToDelegate:             to,
		Delegator:              strPtr(delegator),
		FromDelegate:           strPtr("0x0000000000000000000000000000000000000000"),
		AmountDelegatedChanged: floatPtr(amount),
	}
}

func incomplete(block uint64, tx, to string, amount float64) db.DelegationEvent {
	return db.DelegationEvent{
		BlockNumber:            block,
		TransactionHash:        tx,
		ToDelegate:             to,
		AmountDelegatedChanged: floatPtr(amount),
	}
}
