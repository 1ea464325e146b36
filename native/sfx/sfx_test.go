package sfx

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"circuit/codec/recode"
	"circuit/core/types"
	"circuit/native/proofs"
)

var (
	executor    = types.AccountFromByte(1)
	requester   = types.AccountFromByte(2)
	beneficiary = types.AccountFromByte(3)
	polkadot    = types.GatewayID{'p', 'd', 'o', 't'}
)

func assetTransfer(t *testing.T) *SideEffect {
	t.Helper()
	args, err := AssetTransferArgs(1, beneficiary[:], big.NewInt(100))
	require.NoError(t, err)
	return &SideEffect{
		Target:      polkadot,
		MaxReward:   big.NewInt(200),
		Insurance:   big.NewInt(50),
		Action:      ActionAssetTransfer,
		EncodedArgs: args,
		RewardAsset: 1,
	}
}

func TestIDsAreDeterministic(t *testing.T) {
	s := assetTransfer(t)
	list := []SideEffect{*s}

	xtx, err := XtxID(requester, 0, list)
	require.NoError(t, err)
	again, err := XtxID(requester, 0, list)
	require.NoError(t, err)
	require.Equal(t, xtx, again)

	next, err := XtxID(requester, 1, list)
	require.NoError(t, err)
	require.NotEqual(t, xtx, next)

	first, err := ID(xtx, 0, s)
	require.NoError(t, err)
	second, err := ID(xtx, 1, s)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	enforced := s.Clone()
	enforced.EnforceExecutor = &executor
	other, err := ID(xtx, 0, enforced)
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestEncodeRejectsOversizedReward(t *testing.T) {
	s := assetTransfer(t)
	s.MaxReward = new(big.Int).Lsh(big.NewInt(1), 130)
	_, err := s.EncodeSCALE()
	require.Error(t, err)
}

func TestValidateArguments(t *testing.T) {
	s := assetTransfer(t)
	require.NoError(t, Validate(s, recode.SCALE))
	require.ErrorIs(t, Validate(s, recode.RLP), ErrInvalidArgs)

	short := s.Clone()
	short.EncodedArgs = short.EncodedArgs[:2]
	require.ErrorIs(t, Validate(short, recode.SCALE), ErrInvalidArgs)

	unknown := s.Clone()
	unknown.Action = [4]byte{'n', 'o', 'p', 'e'}
	require.ErrorIs(t, Validate(unknown, recode.SCALE), ErrUnknownAction)

	swap := &SideEffect{Action: ActionSwap}
	require.ErrorIs(t, Validate(swap, recode.RLP), ErrUnsupportedCodec)

	args, err := TransferArgs(common.HexToAddress("0x1234").Bytes(), big.NewInt(5))
	require.NoError(t, err)
	evm := &SideEffect{Action: ActionTransfer, EncodedArgs: args}
	require.NoError(t, Validate(evm, recode.RLP))
	require.ErrorIs(t, Validate(evm, recode.SCALE), ErrInvalidArgs)
}

func TestMatchSubstrateAssetTransfer(t *testing.T) {
	s := assetTransfer(t)
	event, err := AssetTransferEvent(1, executor, beneficiary, big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, Match(recode.SCALE, s, executor, event))

	require.ErrorIs(t, Match(recode.SCALE, s, requester, event), ErrEventMismatch)

	wrongAmount, err := AssetTransferEvent(1, executor, beneficiary, big.NewInt(99))
	require.NoError(t, err)
	require.ErrorIs(t, Match(recode.SCALE, s, executor, wrongAmount), ErrEventMismatch)

	wrongAsset, err := AssetTransferEvent(2, executor, beneficiary, big.NewInt(100))
	require.NoError(t, err)
	require.ErrorIs(t, Match(recode.SCALE, s, executor, wrongAsset), ErrEventMismatch)

	require.ErrorIs(t, Match(recode.SCALE, s, executor, event[:10]), ErrEventDecoding)
}

func TestMatchSubstrateTransfer(t *testing.T) {
	args, err := TransferArgs(beneficiary[:], big.NewInt(7))
	require.NoError(t, err)
	s := &SideEffect{Action: ActionTransfer, EncodedArgs: args}
	event, err := TransferEvent(executor, beneficiary, big.NewInt(7))
	require.NoError(t, err)
	require.NoError(t, Match(recode.SCALE, s, executor, event))
}

func TestMatchEVMTransferLog(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	args, err := TransferArgs(to.Bytes(), big.NewInt(42))
	require.NoError(t, err)
	s := &SideEffect{Action: ActionTransfer, EncodedArgs: args}

	log := ERC20TransferLog(common.HexToAddress("0x70"), common.HexToAddress("0x01"), to, big.NewInt(42))
	encoded, err := proofs.EncodeLog(log)
	require.NoError(t, err)
	require.NoError(t, Match(recode.RLP, s, executor, encoded))

	bad := ERC20TransferLog(common.Address{}, common.HexToAddress("0x01"), common.HexToAddress("0x02"), big.NewInt(42))
	encoded, err = proofs.EncodeLog(bad)
	require.NoError(t, err)
	require.ErrorIs(t, Match(recode.RLP, s, executor, encoded), ErrEventMismatch)
}

func TestCallEVMSourceAndMatch(t *testing.T) {
	target := common.HexToAddress("0x00000000000000000000000000000000000000c4")
	args, err := CallEVMArgs(target, big.NewInt(0), []byte{0xde, 0xad})
	require.NoError(t, err)
	s := &SideEffect{Action: ActionCallEVM, EncodedArgs: args}

	source := ExpectedSource(s)
	require.Len(t, source, 32)
	require.Equal(t, target.Bytes(), source[12:])

	event, err := CallEVMEvent(target, []byte{0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, proofs.CheckVMSource(source, event))
	require.NoError(t, Match(recode.SCALE, s, executor, event))

	log, err := proofs.EncodeLog(proofs.EventLog{Address: target})
	require.NoError(t, err)
	require.NoError(t, Match(recode.RLP, s, executor, log))

	require.Nil(t, ExpectedSource(assetTransfer(t)))
}
