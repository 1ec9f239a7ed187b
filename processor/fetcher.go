package processor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/justicevae/votewatch/contracts"
	"github.com/justicevae/votewatch/db"
	"github.com/justicevae/votewatch/retry"
)

// 节点拒绝过大的区块范围，重试无意义
var ErrRangeTooLarge = errors.New("block range too large for provider, reduce chain.block_batch_size")

// *ethclient.Client 满足该接口
type ChainClient interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Stats struct {
	Logs            int `json:"logs"`
	DelegateChanged int `json:"delegateChanged"`
	VotesChanged    int `json:"votesChanged"`
	Complete        int `json:"complete"`
	Incomplete      int `json:"incomplete"`
	DelegateOnly    int `json:"delegateOnly"`
	Malformed       int `json:"malformed"`
	Blocks          int `json:"blocks"`
}

func (s *Stats) add(o Stats) {
	s.Logs += o.Logs
	s.DelegateChanged += o.DelegateChanged
	s.VotesChanged += o.VotesChanged
	s.Complete += o.Complete
	s.Incomplete += o.Incomplete
	s.DelegateOnly += o.DelegateOnly
	s.Malformed += o.Malformed
	s.Blocks += o.Blocks
}

// 单个区块范围的解码结果
type Result struct {
	Events     []db.DelegationEvent
	Incomplete []db.DelegationEvent
	Stats      Stats
}

type Fetcher struct {
	client   ChainClient
	contract common.Address
	decimals uint8
	limiter  *RateLimiter
	retryCfg retry.Config
	logger   *zap.Logger
}

func NewFetcher(client ChainClient, contract common.Address, decimals uint8, limiter *RateLimiter, retryCfg retry.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client:   client,
		contract: contract,
		decimals: decimals,
		limiter:  limiter,
		retryCfg: retryCfg,
		logger:   logger,
	}
}

// LatestBlock 当前链高
func (f *Fetcher) LatestBlock(ctx context.Context) (uint64, error) {
	var latest uint64
	err := retry.WithBackoff(ctx, f.retryCfg, f.logger, "eth_blockNumber", func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		n, err := f.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		latest = n
		return nil
	})
	return latest, err
}

// FetchRange 拉取 [from, to] 的两类委托日志并解码
// 瞬时错误重试耗尽后返回空结果，范围过大直接返回 ErrRangeTooLarge
func (f *Fetcher) FetchRange(ctx context.Context, from, to uint64) (Result, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{f.contract},
		Topics: [][]common.Hash{{
			contracts.DelegateChangedTopic,
			contracts.DelegateVotesChangedTopic,
		}},
	}

	var logs []types.Log
	err := retry.WithBackoff(ctx, f.retryCfg, f.logger, "eth_getLogs", func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		out, err := f.client.FilterLogs(ctx, query)
		if err != nil {
			if isRangeTooLarge(err) {
				return retry.Permanent(fmt.Errorf("%w: blocks %d-%d: %v", ErrRangeTooLarge, from, to, err))
			}
			return err
		}
		logs = out
		return nil
	})
	if err != nil {
		return f.degrade(ctx, from, to, err)
	}

	res := decodeLogs(logs, f.decimals)
	if res.Stats.DelegateOnly > 0 {
		f.logger.Debug("Dropped delegate-changed logs without votes leg",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("count", res.Stats.DelegateOnly))
	}

	timestamps, err := f.blockTimestamps(ctx, res)
	if err != nil {
		return f.degrade(ctx, from, to, err)
	}
	res.Stats.Blocks = len(timestamps)
	for i := range res.Events {
		res.Events[i].Timestamp = timestamps[res.Events[i].BlockNumber]
	}
	for i := range res.Incomplete {
		res.Incomplete[i].Timestamp = timestamps[res.Incomplete[i].BlockNumber]
	}
	return res, nil
}

func (f *Fetcher) degrade(ctx context.Context, from, to uint64, err error) (Result, error) {
	if errors.Is(err, ErrRangeTooLarge) {
		return Result{}, err
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	f.logger.Warn("Skipping block range after retries",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Error(err))
	return Result{}, nil
}

// 每个区块只查一次时间戳
func (f *Fetcher) blockTimestamps(ctx context.Context, res Result) (map[uint64]uint64, error) {
	blocks := make(map[uint64]uint64)
	for _, e := range res.Events {
		blocks[e.BlockNumber] = 0
	}
	for _, e := range res.Incomplete {
		blocks[e.BlockNumber] = 0
	}

	numbers := make([]uint64, 0, len(blocks))
	for n := range blocks {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	for _, n := range numbers {
		err := retry.WithBackoff(ctx, f.retryCfg, f.logger, "eth_getBlockByNumber", func() error {
			if err := f.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
			header, err := f.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
			if err != nil {
				return err
			}
			if header == nil {
				return fmt.Errorf("block %d not found", n)
			}
			blocks[n] = header.Time
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

func isRangeTooLarge(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"block range",
		"range is too large",
		"range too large",
		"exceeds the limit",
		"query returned more than",
		"too many blocks",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// 按 (交易哈希, toDelegate) 合并两类日志，顺序无关
func decodeLogs(logs []types.Log, decimals uint8) Result {
	var res Result
	res.Stats.Logs = len(logs)

	byKey := make(map[string]*db.DelegationEvent)
	var order []string
	entry := func(vLog types.Log, toDelegate string) *db.DelegationEvent {
		key := db.EventKey(vLog.TxHash.Hex(), toDelegate)
		e, ok := byKey[key]
		if !ok {
			e = &db.DelegationEvent{
				BlockNumber:     vLog.BlockNumber,
				TransactionHash: strings.ToLower(vLog.TxHash.Hex()),
				ToDelegate:      toDelegate,
			}
			byKey[key] = e
			order = append(order, key)
		}
		return e
	}

	for _, vLog := range logs {
		if vLog.Removed || len(vLog.Topics) == 0 {
			continue
		}
		switch vLog.Topics[0] {
		case contracts.DelegateChangedTopic:
			if len(vLog.Topics) != 4 {
				res.Stats.Malformed++
				continue
			}
			res.Stats.DelegateChanged++
			delegator := topicAddress(vLog.Topics[1])
			fromDelegate := topicAddress(vLog.Topics[2])
			e := entry(vLog, topicAddress(vLog.Topics[3]))
			e.Delegator = &delegator
			e.FromDelegate = &fromDelegate
		case contracts.DelegateVotesChangedTopic:
			if len(vLog.Topics) != 2 || len(vLog.Data) < 64 {
				res.Stats.Malformed++
				continue
			}
			res.Stats.VotesChanged++
			previous := new(big.Int).SetBytes(vLog.Data[:32])
			current := new(big.Int).SetBytes(vLog.Data[32:64])
			amount := scaleAmount(new(big.Int).Sub(current, previous), decimals)
			e := entry(vLog, topicAddress(vLog.Topics[1]))
			e.AmountDelegatedChanged = &amount
		}
	}

	for _, key := range order {
		e := byKey[key]
		switch {
		case e.Complete():
			res.Events = append(res.Events, *e)
		case e.AmountDelegatedChanged != nil:
			res.Incomplete = append(res.Incomplete, *e)
		default:
			res.Stats.DelegateOnly++
		}
	}
	sort.SliceStable(res.Events, func(i, j int) bool { return res.Events[i].BlockNumber < res.Events[j].BlockNumber })
	sort.SliceStable(res.Incomplete, func(i, j int) bool { return res.Incomplete[i].BlockNumber < res.Incomplete[j].BlockNumber })
	res.Stats.Complete = len(res.Events)
	res.Stats.Incomplete = len(res.Incomplete)
	return res
}

// topic 低 20 字节为地址
func topicAddress(h common.Hash) string {
	return strings.ToLower(common.BytesToAddress(h.Bytes()).Hex())
}

func scaleAmount(raw *big.Int, decimals uint8) float64 {
	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), divisor).Float64()
	return f
}
