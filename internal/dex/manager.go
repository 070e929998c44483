package dex

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"rangekeeper/internal/chain"
)

var (
	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	erc721TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// Contracts holds the addresses the manager operates on. Farm is optional;
// the zero address disables staking.
type Contracts struct {
	Pool            common.Address
	PositionManager common.Address
	Router          common.Address
	Farm            common.Address
	Token0          common.Address
	Token1          common.Address
	RewardToken     common.Address
	PoolFee         uint32
	SwapFee         uint32
	RewardSwapFee   uint32
	TxDeadline      time.Duration
}

// ChainPosition is a position as the chain reports it.
type ChainPosition struct {
	TokenID   uint64
	TickLower int
	TickUpper int
	Liquidity *big.Int
	Staked    bool
}

// MintRequest describes one position to mint.
type MintRequest struct {
	TickLower  int
	TickUpper  int
	Amount0    *big.Int
	Amount1    *big.Int
	Amount0Min *big.Int
	Amount1Min *big.Int
}

// Manager executes pool, position manager, router, and farm operations
// through the chain client.
type Manager struct {
	chain     *chain.Client
	contracts Contracts
	logger    *zap.Logger
}

// NewManager builds a Manager.
func NewManager(chainClient *chain.Client, contracts Contracts, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if contracts.TxDeadline <= 0 {
		contracts.TxDeadline = 5 * time.Minute
	}
	return &Manager{chain: chainClient, contracts: contracts, logger: logger}
}

// HasFarm reports whether a farm address is configured.
func (m *Manager) HasFarm() bool {
	return m.contracts.Farm != (common.Address{})
}

// Slot0 reads the pool's current sqrt price and tick.
func (m *Manager) Slot0(ctx context.Context) (*big.Int, int, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return nil, 0, err
	}
	values, err := m.call(ctx, m.contracts.Pool, poolABI, "slot0")
	if err != nil {
		return nil, 0, fmt.Errorf("slot0: %w", err)
	}
	sqrtPrice, ok := values[0].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("slot0: unexpected sqrtPriceX96 type %T", values[0])
	}
	tick, err := asInt24(values[1])
	if err != nil {
		return nil, 0, fmt.Errorf("slot0 tick: %w", err)
	}
	return sqrtPrice, tick, nil
}

// TickSpacing reads the pool tick spacing.
func (m *Manager) TickSpacing(ctx context.Context) (int, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return 0, err
	}
	values, err := m.call(ctx, m.contracts.Pool, poolABI, "tickSpacing")
	if err != nil {
		return 0, fmt.Errorf("tick spacing: %w", err)
	}
	return asInt24(values[0])
}

// TokenBalance reads the wallet's ERC-20 balance.
func (m *Manager) TokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	erc20, err := ERC20ABI()
	if err != nil {
		return nil, err
	}
	values, err := m.call(ctx, token, erc20, "balanceOf", m.chain.From())
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token.Hex(), err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected type %T", values[0])
	}
	return balance, nil
}

// OwnedPositions enumerates wallet-held and farm-staked positions matching
// the managed pool's token pair and fee tier.
func (m *Manager) OwnedPositions(ctx context.Context) ([]ChainPosition, error) {
	wallet, err := m.enumerate(ctx, m.contracts.PositionManager, m.chain.From(), false)
	if err != nil {
		return nil, err
	}
	if !m.HasFarm() {
		return wallet, nil
	}
	staked, err := m.enumerateStaked(ctx)
	if err != nil {
		return nil, err
	}
	return append(wallet, staked...), nil
}

func (m *Manager) enumerate(ctx context.Context, contract, owner common.Address, staked bool) ([]ChainPosition, error) {
	npmABI, err := PositionManagerABI()
	if err != nil {
		return nil, err
	}

	values, err := m.call(ctx, contract, npmABI, "balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("position count: %w", err)
	}
	count, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("position count: unexpected type %T", values[0])
	}

	positions := make([]ChainPosition, 0, count.Int64())
	for i := int64(0); i < count.Int64(); i++ {
		values, err := m.call(ctx, contract, npmABI, "tokenOfOwnerByIndex", owner, big.NewInt(i))
		if err != nil {
			return nil, fmt.Errorf("token of owner %d: %w", i, err)
		}
		tokenID, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("token of owner: unexpected type %T", values[0])
		}

		pos, match, err := m.positionIfManaged(ctx, tokenID.Uint64())
		if err != nil {
			return nil, err
		}
		if match {
			pos.Staked = staked
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

func (m *Manager) enumerateStaked(ctx context.Context) ([]ChainPosition, error) {
	farmABI, err := FarmABI()
	if err != nil {
		return nil, err
	}

	values, err := m.call(ctx, m.contracts.Farm, farmABI, "balanceOf", m.chain.From())
	if err != nil {
		return nil, fmt.Errorf("farm position count: %w", err)
	}
	count, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("farm position count: unexpected type %T", values[0])
	}

	positions := make([]ChainPosition, 0, count.Int64())
	for i := int64(0); i < count.Int64(); i++ {
		values, err := m.call(ctx, m.contracts.Farm, farmABI, "tokenOfOwnerByIndex", m.chain.From(), big.NewInt(i))
		if err != nil {
			return nil, fmt.Errorf("farm token of owner %d: %w", i, err)
		}
		tokenID, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("farm token of owner: unexpected type %T", values[0])
		}

		pos, match, err := m.positionIfManaged(ctx, tokenID.Uint64())
		if err != nil {
			return nil, err
		}
		if match {
			pos.Staked = true
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

func (m *Manager) positionIfManaged(ctx context.Context, tokenID uint64) (ChainPosition, bool, error) {
	pos, token0, token1, fee, err := m.positionDetails(ctx, tokenID)
	if err != nil {
		return ChainPosition{}, false, err
	}
	if token0 != m.contracts.Token0 || token1 != m.contracts.Token1 || fee != m.contracts.PoolFee {
		return ChainPosition{}, false, nil
	}
	if pos.Liquidity.Sign() == 0 {
		return ChainPosition{}, false, nil
	}
	return pos, true, nil
}

// PositionInfo reads one position by token ID.
func (m *Manager) PositionInfo(ctx context.Context, tokenID uint64) (ChainPosition, error) {
	pos, _, _, _, err := m.positionDetails(ctx, tokenID)
	return pos, err
}

func (m *Manager) positionDetails(ctx context.Context, tokenID uint64) (ChainPosition, common.Address, common.Address, uint32, error) {
	npmABI, err := PositionManagerABI()
	if err != nil {
		return ChainPosition{}, common.Address{}, common.Address{}, 0, err
	}
	values, err := m.call(ctx, m.contracts.PositionManager, npmABI, "positions", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return ChainPosition{}, common.Address{}, common.Address{}, 0, fmt.Errorf("positions %d: %w", tokenID, err)
	}

	token0, _ := values[2].(common.Address)
	token1, _ := values[3].(common.Address)
	feeBig, ok := values[4].(*big.Int)
	if !ok {
		return ChainPosition{}, common.Address{}, common.Address{}, 0, fmt.Errorf("positions %d: unexpected fee type %T", tokenID, values[4])
	}
	tickLower, err := asInt24(values[5])
	if err != nil {
		return ChainPosition{}, common.Address{}, common.Address{}, 0, fmt.Errorf("positions %d tickLower: %w", tokenID, err)
	}
	tickUpper, err := asInt24(values[6])
	if err != nil {
		return ChainPosition{}, common.Address{}, common.Address{}, 0, fmt.Errorf("positions %d tickUpper: %w", tokenID, err)
	}
	liquidity, ok := values[7].(*big.Int)
	if !ok {
		return ChainPosition{}, common.Address{}, common.Address{}, 0, fmt.Errorf("positions %d: unexpected liquidity type %T", tokenID, values[7])
	}

	pos := ChainPosition{
		TokenID:   tokenID,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Liquidity: liquidity,
	}
	return pos, token0, token1, uint32(feeBig.Uint64()), nil
}

// ClosePositions removes liquidity from the given positions in a single
// multicall transaction: decreaseLiquidity, collect, and burn per token.
func (m *Manager) ClosePositions(ctx context.Context, positions []ChainPosition) error {
	if len(positions) == 0 {
		return nil
	}
	npmABI, err := PositionManagerABI()
	if err != nil {
		return err
	}

	deadline := big.NewInt(time.Now().Add(m.contracts.TxDeadline).Unix())
	calls := make([][]byte, 0, len(positions)*3)
	for _, pos := range positions {
		decrease, err := npmABI.Pack("decreaseLiquidity", struct {
			TokenId    *big.Int
			Liquidity  *big.Int
			Amount0Min *big.Int
			Amount1Min *big.Int
			Deadline   *big.Int
		}{
			TokenId:    new(big.Int).SetUint64(pos.TokenID),
			Liquidity:  pos.Liquidity,
			Amount0Min: new(big.Int),
			Amount1Min: new(big.Int),
			Deadline:   deadline,
		})
		if err != nil {
			return fmt.Errorf("pack decreaseLiquidity: %w", err)
		}
		collect, err := npmABI.Pack("collect", struct {
			TokenId    *big.Int
			Recipient  common.Address
			Amount0Max *big.Int
			Amount1Max *big.Int
		}{
			TokenId:    new(big.Int).SetUint64(pos.TokenID),
			Recipient:  m.chain.From(),
			Amount0Max: maxUint128,
			Amount1Max: maxUint128,
		})
		if err != nil {
			return fmt.Errorf("pack collect: %w", err)
		}
		burn, err := npmABI.Pack("burn", new(big.Int).SetUint64(pos.TokenID))
		if err != nil {
			return fmt.Errorf("pack burn: %w", err)
		}
		calls = append(calls, decrease, collect, burn)
	}

	data, err := npmABI.Pack("multicall", calls)
	if err != nil {
		return fmt.Errorf("pack multicall: %w", err)
	}

	if _, err := m.chain.Transact(ctx, m.contracts.PositionManager, data, nil); err != nil {
		return fmt.Errorf("close %d positions: %w", len(positions), err)
	}
	m.logger.Info("positions closed", zap.Int("count", len(positions)))
	return nil
}

// Mint opens a new position and returns the assigned token ID and minted
// liquidity, recovered from the ERC-721 transfer in the receipt logs.
func (m *Manager) Mint(ctx context.Context, req MintRequest) (uint64, *big.Int, error) {
	npmABI, err := PositionManagerABI()
	if err != nil {
		return 0, nil, err
	}

	if err := m.EnsureAllowance(ctx, m.contracts.Token0, m.contracts.PositionManager, req.Amount0); err != nil {
		return 0, nil, err
	}
	if err := m.EnsureAllowance(ctx, m.contracts.Token1, m.contracts.PositionManager, req.Amount1); err != nil {
		return 0, nil, err
	}

	data, err := npmABI.Pack("mint", struct {
		Token0         common.Address
		Token1         common.Address
		Fee            *big.Int
		TickLower      *big.Int
		TickUpper      *big.Int
		Amount0Desired *big.Int
		Amount1Desired *big.Int
		Amount0Min     *big.Int
		Amount1Min     *big.Int
		Recipient      common.Address
		Deadline       *big.Int
	}{
		Token0:         m.contracts.Token0,
		Token1:         m.contracts.Token1,
		Fee:            big.NewInt(int64(m.contracts.PoolFee)),
		TickLower:      big.NewInt(int64(req.TickLower)),
		TickUpper:      big.NewInt(int64(req.TickUpper)),
		Amount0Desired: req.Amount0,
		Amount1Desired: req.Amount1,
		Amount0Min:     req.Amount0Min,
		Amount1Min:     req.Amount1Min,
		Recipient:      m.chain.From(),
		Deadline:       big.NewInt(time.Now().Add(m.contracts.TxDeadline).Unix()),
	})
	if err != nil {
		return 0, nil, fmt.Errorf("pack mint: %w", err)
	}

	receipt, err := m.chain.Transact(ctx, m.contracts.PositionManager, data, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("mint [%d,%d): %w", req.TickLower, req.TickUpper, err)
	}

	tokenID, err := mintedTokenID(receipt, m.contracts.PositionManager, m.chain.From())
	if err != nil {
		return 0, nil, err
	}

	pos, err := m.PositionInfo(ctx, tokenID)
	if err != nil {
		return 0, nil, fmt.Errorf("minted position info: %w", err)
	}
	m.logger.Info("position minted",
		zap.Uint64("token_id", tokenID),
		zap.Int("tick_lower", req.TickLower),
		zap.Int("tick_upper", req.TickUpper),
		zap.String("liquidity", pos.Liquidity.String()),
	)
	return tokenID, pos.Liquidity, nil
}

func mintedTokenID(receipt *types.Receipt, posManager, recipient common.Address) (uint64, error) {
	for _, log := range receipt.Logs {
		if log.Address != posManager || len(log.Topics) != 4 {
			continue
		}
		if log.Topics[0] != erc721TransferTopic {
			continue
		}
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to != recipient {
			continue
		}
		return new(big.Int).SetBytes(log.Topics[3].Bytes()).Uint64(), nil
	}
	return 0, fmt.Errorf("mint receipt %s has no position transfer log", receipt.TxHash.Hex())
}

// Swap sells amountIn of tokenIn for tokenOut through the router.
func (m *Manager) Swap(ctx context.Context, tokenIn, tokenOut common.Address, fee uint32, amountIn, minOut *big.Int) error {
	routerABI, err := RouterABI()
	if err != nil {
		return err
	}

	if err := m.EnsureAllowance(ctx, tokenIn, m.contracts.Router, amountIn); err != nil {
		return err
	}

	data, err := routerABI.Pack("exactInputSingle", struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		Deadline          *big.Int
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		Fee:               big.NewInt(int64(fee)),
		Recipient:         m.chain.From(),
		Deadline:          big.NewInt(time.Now().Add(m.contracts.TxDeadline).Unix()),
		AmountIn:          amountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return fmt.Errorf("pack exactInputSingle: %w", err)
	}

	if _, err := m.chain.Transact(ctx, m.contracts.Router, data, nil); err != nil {
		return fmt.Errorf("swap %s -> %s: %w", tokenIn.Hex(), tokenOut.Hex(), err)
	}
	return nil
}

// Balances reads the wallet's balances of both pool tokens.
func (m *Manager) Balances(ctx context.Context) (*big.Int, *big.Int, error) {
	balance0, err := m.TokenBalance(ctx, m.contracts.Token0)
	if err != nil {
		return nil, nil, err
	}
	balance1, err := m.TokenBalance(ctx, m.contracts.Token1)
	if err != nil {
		return nil, nil, err
	}
	return balance0, balance1, nil
}

// ExecuteSwap swaps between the pool tokens through the cheaper swap-fee
// pool. ZeroForOne sells token0 for token1.
func (m *Manager) ExecuteSwap(ctx context.Context, zeroForOne bool, amountIn, minOut *big.Int) error {
	if zeroForOne {
		return m.Swap(ctx, m.contracts.Token0, m.contracts.Token1, m.contracts.SwapFee, amountIn, minOut)
	}
	return m.Swap(ctx, m.contracts.Token1, m.contracts.Token0, m.contracts.SwapFee, amountIn, minOut)
}

// SwapReward converts harvested reward tokens back into token0.
func (m *Manager) SwapReward(ctx context.Context, amountIn, minOut *big.Int) error {
	return m.Swap(ctx, m.contracts.RewardToken, m.contracts.Token0, m.contracts.RewardSwapFee, amountIn, minOut)
}

// RewardBalance reads the wallet's reward token balance.
func (m *Manager) RewardBalance(ctx context.Context) (*big.Int, error) {
	if m.contracts.RewardToken == (common.Address{}) {
		return new(big.Int), nil
	}
	return m.TokenBalance(ctx, m.contracts.RewardToken)
}

// StakeInFarm transfers the position NFT into the farm.
func (m *Manager) StakeInFarm(ctx context.Context, tokenID uint64) error {
	npmABI, err := PositionManagerABI()
	if err != nil {
		return err
	}
	data, err := npmABI.Pack("safeTransferFrom", m.chain.From(), m.contracts.Farm, new(big.Int).SetUint64(tokenID))
	if err != nil {
		return fmt.Errorf("pack safeTransferFrom: %w", err)
	}
	if _, err := m.chain.Transact(ctx, m.contracts.PositionManager, data, nil); err != nil {
		return fmt.Errorf("stake %d: %w", tokenID, err)
	}
	m.logger.Info("position staked", zap.Uint64("token_id", tokenID))
	return nil
}

// WithdrawFromFarm pulls the position NFT back, harvesting its rewards.
func (m *Manager) WithdrawFromFarm(ctx context.Context, tokenID uint64) error {
	farmABI, err := FarmABI()
	if err != nil {
		return err
	}
	data, err := farmABI.Pack("withdraw", new(big.Int).SetUint64(tokenID), m.chain.From())
	if err != nil {
		return fmt.Errorf("pack withdraw: %w", err)
	}
	if _, err := m.chain.Transact(ctx, m.contracts.Farm, data, nil); err != nil {
		return fmt.Errorf("farm withdraw %d: %w", tokenID, err)
	}
	return nil
}

// EnsureAllowance approves the spender for the full balance when the
// current allowance is below the required amount.
func (m *Manager) EnsureAllowance(ctx context.Context, token common.Address, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	erc20, err := ERC20ABI()
	if err != nil {
		return err
	}
	values, err := m.call(ctx, token, erc20, "allowance", m.chain.From(), spender)
	if err != nil {
		return fmt.Errorf("allowance %s: %w", token.Hex(), err)
	}
	allowance, ok := values[0].(*big.Int)
	if !ok {
		return fmt.Errorf("allowance: unexpected type %T", values[0])
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	data, err := erc20.Pack("approve", spender, maxUint256)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	if _, err := m.chain.Transact(ctx, token, data, nil); err != nil {
		return fmt.Errorf("approve %s: %w", token.Hex(), err)
	}
	m.logger.Info("allowance granted", zap.String("token", token.Hex()), zap.String("spender", spender.Hex()))
	return nil
}

func (m *Manager) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := m.chain.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := contractABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return values, nil
}

func asInt24(value interface{}) (int, error) {
	switch typed := value.(type) {
	case *big.Int:
		return int(typed.Int64()), nil
	case int32:
		return int(typed), nil
	case int64:
		return int(typed), nil
	default:
		return 0, fmt.Errorf("unexpected int24 type %T", value)
	}
}
