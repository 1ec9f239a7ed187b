package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ERC20Votes 子集：投票权读取 + 两个委托事件
const VotesABI = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"getVotes","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"delegator","type":"address"},{"indexed":true,"internalType":"address","name":"fromDelegate","type":"address"},{"indexed":true,"internalType":"address","name":"toDelegate","type":"address"}],"name":"DelegateChanged","type":"event"},{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"delegate","type":"address"},{"indexed":false,"internalType":"uint256","name":"previousVotes","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"newVotes","type":"uint256"}],"name":"DelegateVotesChanged","type":"event"}]`

var (
	// DelegateChanged(delegator, fromDelegate, toDelegate)，三个参数全部 indexed
	DelegateChangedTopic = crypto.Keccak256Hash([]byte("DelegateChanged(address,address,address)"))
	// DelegateVotesChanged(delegate, previousVotes, newVotes)，数据区为两个 uint256
	DelegateVotesChangedTopic = crypto.Keccak256Hash([]byte("DelegateVotesChanged(address,uint256,uint256)"))
)

type Votes struct {
	contract *bind.BoundContract
	address  common.Address
}

func NewVotes(address common.Address, backend bind.ContractBackend) (*Votes, error) {
	parsedABI, err := abi.JSON(strings.NewReader(VotesABI))
	if err != nil {
		return nil, err
	}

	boundContract := bind.NewBoundContract(address, parsedABI, backend, backend, backend)

	return &Votes{
		contract: boundContract,
		address:  address,
	}, nil
}

func (v *Votes) Address() common.Address {
	return v.address
}

func (v *Votes) GetVotes(opts *bind.CallOpts, account common.Address) (*big.Int, error) {
	var out []interface{}
	err := v.contract.Call(opts, &out, "getVotes", account)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (v *Votes) Decimals(opts *bind.CallOpts) (uint8, error) {
	var out []interface{}
	err := v.contract.Call(opts, &out, "decimals")
	if err != nil {
		return 0, err
	}
	return out[0].(uint8), nil
}
