package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/justicevae/votewatch/retry"
)

// *contracts.Votes 满足该接口
type VotesCaller interface {
	GetVotes(opts *bind.CallOpts, account common.Address) (*big.Int, error)
}

const zeroWeight = "0.00"

// 链上读取投票权，小批量并发，批次之间暂停
type ChainReader struct {
	votes     VotesCaller
	decimals  uint8
	batchSize int
	pause     time.Duration
	retryCfg  retry.Config
	logger    *zap.Logger
}

func NewChainReader(votes VotesCaller, decimals uint8, batchSize int, pause time.Duration, retryCfg retry.Config, logger *zap.Logger) *ChainReader {
	if batchSize <= 0 {
		batchSize = 3
	}
	return &ChainReader{
		votes:     votes,
		decimals:  decimals,
		batchSize: batchSize,
		pause:     pause,
		retryCfg:  retryCfg,
		logger:    logger,
	}
}

// ReadWeight 出错时返回 0.00，地址无委托时合约常会 revert
func (r *ChainReader) ReadWeight(ctx context.Context, address string) string {
	if !common.IsHexAddress(address) {
		r.logger.Debug("Skipping malformed address", zap.String("address", address))
		return zeroWeight
	}

	var votes *big.Int
	err := retry.WithBackoff(ctx, r.retryCfg, r.logger, "getVotes", func() error {
		v, err := r.votes.GetVotes(&bind.CallOpts{Context: ctx}, common.HexToAddress(address))
		if err != nil {
			if isRevert(err) {
				return retry.Permanent(err)
			}
			return err
		}
		votes = v
		return nil
	})
	if err != nil {
		r.logger.Debug("getVotes failed, using zero weight",
			zap.String("address", address),
			zap.Error(err))
		return zeroWeight
	}
	return FormatUnits(votes, r.decimals)
}

// ReadWeights 按批读取，只有 ctx 取消时返回错误
func (r *ChainReader) ReadWeights(ctx context.Context, addresses []string) (map[string]string, error) {
	results := xsync.NewMap[string, string]()
	pool := pond.NewPool(r.batchSize)
	defer pool.StopAndWait()

	for start := 0; start < len(addresses); start += r.batchSize {
		if start > 0 && r.pause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.pause):
			}
		}

		end := min(start+r.batchSize, len(addresses))
		group := pool.NewGroupContext(ctx)
		groupCtx := group.Context()
		for _, addr := range addresses[start:end] {
			group.Submit(func() {
				if err := groupCtx.Err(); err != nil {
					return
				}
				results.Store(strings.ToLower(addr), r.ReadWeight(groupCtx, addr))
			})
		}

		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			r.logger.Warn("chain read batch encountered error", zap.Error(err))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.logger.Debug("Read weight batch",
			zap.Int("from", start),
			zap.Int("to", end),
			zap.Int("total", len(addresses)))
	}

	out := make(map[string]string, results.Size())
	results.Range(func(addr, weight string) bool {
		out[addr] = weight
		return true
	})
	return out, nil
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}
