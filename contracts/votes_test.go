package contracts

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTopics tests the event topic hashes against the ABI and the known on-chain values.
func TestTopics(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(VotesABI))
	require.NoError(t, err)

	assert.Equal(t, parsed.Events["DelegateChanged"].ID, DelegateChangedTopic)
	assert.Equal(t, parsed.Events["DelegateVotesChanged"].ID, DelegateVotesChangedTopic)
	assert.Equal(t, "0x3134e8a2e6d97e929a7e54011ea5485d7d196dd5f0ba4d4ef95803e8e3fc257f", DelegateChangedTopic.Hex())
	assert.Equal(t, "0xdec2bacdd2f05b59de34da9b523dff8be42e5e38e818c82fdb0bae774387a724", DelegateVotesChangedTopic.Hex())
}

func TestNewVotes(t *testing.T) {
	addr := common.HexToAddress("0x0b010000b7624eb9b3dfbc279673c76e9d29d5f7")
	v, err := NewVotes(addr, nil)
	require.NoError(t, err)
	assert.Equal(t, addr, v.Address())
}
