// services/ledger_eth.go
package services

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"auction-backend/logger"

	"go.uber.org/zap"
)

// External surface of the deployed AuctionManager contract. Only the
// entry points this service consumes are declared.
const auctionManagerABI = `[
  {"type":"function","name":"createAuction","inputs":[{"name":"duration","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"getHighestBid","inputs":[{"name":"auctionId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
  {"type":"function","name":"getAuctionDetails","inputs":[{"name":"auctionId","type":"uint256"}],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
  {"type":"function","name":"bid","inputs":[{"name":"auctionId","type":"uint256"}],"outputs":[],"stateMutability":"payable"},
  {"type":"function","name":"endAuction","inputs":[{"name":"auctionId","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"event","name":"AuctionCreated","inputs":[{"name":"auctionId","type":"uint256","indexed":false}],"anonymous":false}
]`

// EthLedgerGateway talks to the AuctionManager contract through a
// JSON-RPC node. Transactions are signed with the configured operator
// key; the contract derives bidder and caller identity from the
// transaction sender, so submitted identities must match the operator.
type EthLedgerGateway struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	opts     *bind.TransactOpts
	address  common.Address
}

func NewEthLedgerGateway(ctx context.Context, rpcURL, contractAddr, operatorKeyHex string) (*EthLedgerGateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(auctionManagerABI))
	if err != nil {
		return nil, fmt.Errorf("parse AuctionManager ABI: %w", err)
	}

	address := common.HexToAddress(contractAddr)
	return &EthLedgerGateway{
		client:   client,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		abi:      parsed,
		opts:     opts,
		address:  address,
	}, nil
}

// OperatorAddress is the identity every transaction is sent from.
func (g *EthLedgerGateway) OperatorAddress() string {
	return g.opts.From.Hex()
}

func (g *EthLedgerGateway) CreateAuction(ctx context.Context, durationSeconds int64) (uint64, error) {
	tx, err := g.contract.Transact(g.txOpts(ctx, nil), "createAuction", big.NewInt(durationSeconds))
	if err != nil {
		return 0, classifyEthErr("createAuction", err)
	}

	receipt, err := bind.WaitMined(ctx, g.client, tx)
	if err != nil {
		return 0, fmt.Errorf("%w: waiting for createAuction receipt: %v", ErrLedgerUnreachable, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, fmt.Errorf("%w: createAuction reverted (tx %s)", ErrLedgerRejected, tx.Hash().Hex())
	}

	eventID := g.abi.Events["AuctionCreated"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != g.address || len(lg.Topics) == 0 || lg.Topics[0] != eventID {
			continue
		}
		var ev struct{ AuctionId *big.Int }
		if err := g.contract.UnpackLog(&ev, "AuctionCreated", *lg); err != nil {
			return 0, fmt.Errorf("%w: decoding AuctionCreated: %v", ErrLedgerRejected, err)
		}
		logger.Info("auction created on ledger",
			zap.Uint64("ledger_ref", ev.AuctionId.Uint64()),
			zap.String("tx", tx.Hash().Hex()))
		return ev.AuctionId.Uint64(), nil
	}

	return 0, fmt.Errorf("%w: createAuction succeeded but emitted no AuctionCreated event", ErrLedgerRejected)
}

func (g *EthLedgerGateway) HighestBid(ctx context.Context, ledgerRef uint64) (*big.Int, error) {
	var out []interface{}
	err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getHighestBid", new(big.Int).SetUint64(ledgerRef))
	if err != nil {
		return nil, classifyEthErr("getHighestBid", err)
	}
	bid, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected getHighestBid return type", ErrLedgerRejected)
	}
	return bid, nil
}

func (g *EthLedgerGateway) HighestBidder(ctx context.Context, ledgerRef uint64) (string, error) {
	var out []interface{}
	err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAuctionDetails", new(big.Int).SetUint64(ledgerRef))
	if err != nil {
		return "", classifyEthErr("getAuctionDetails", err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("%w: unexpected getAuctionDetails return type", ErrLedgerRejected)
	}
	return addr.Hex(), nil
}

func (g *EthLedgerGateway) PlaceBid(ctx context.Context, ledgerRef uint64, amountWei *big.Int, bidder string) error {
	if !strings.EqualFold(bidder, g.opts.From.Hex()) {
		return fmt.Errorf("%w: bidder %s does not match transaction sender %s", ErrLedgerRejected, bidder, g.opts.From.Hex())
	}

	tx, err := g.contract.Transact(g.txOpts(ctx, amountWei), "bid", new(big.Int).SetUint64(ledgerRef))
	if err != nil {
		return classifyEthErr("bid", err)
	}

	receipt, err := bind.WaitMined(ctx, g.client, tx)
	if err != nil {
		return fmt.Errorf("%w: waiting for bid receipt: %v", ErrLedgerUnreachable, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// The contract rejects bids at or below the highest bid.
		return fmt.Errorf("%w: bid reverted (tx %s)", ErrBidTooLow, tx.Hash().Hex())
	}
	return nil
}

func (g *EthLedgerGateway) End(ctx context.Context, ledgerRef uint64, caller string) error {
	if !strings.EqualFold(caller, g.opts.From.Hex()) {
		return fmt.Errorf("%w: caller %s does not match transaction sender %s", ErrLedgerRejected, caller, g.opts.From.Hex())
	}

	tx, err := g.contract.Transact(g.txOpts(ctx, nil), "endAuction", new(big.Int).SetUint64(ledgerRef))
	if err != nil {
		return classifyEthErr("endAuction", err)
	}

	receipt, err := bind.WaitMined(ctx, g.client, tx)
	if err != nil {
		return fmt.Errorf("%w: waiting for endAuction receipt: %v", ErrLedgerUnreachable, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: endAuction reverted (tx %s)", ErrLedgerRejected, tx.Hash().Hex())
	}
	return nil
}

// txOpts copies the operator opts with the per-call context and value,
// so concurrent calls never share a mutable TransactOpts.
func (g *EthLedgerGateway) txOpts(ctx context.Context, value *big.Int) *bind.TransactOpts {
	opts := *g.opts
	opts.Context = ctx
	opts.Value = value
	return &opts
}

// classifyEthErr splits node errors into revert vs transport failures.
// Gas estimation surfaces reverts as plain errors, hence the substring
// check.
func classifyEthErr(method string, err error) error {
	if strings.Contains(err.Error(), "execution reverted") {
		return fmt.Errorf("%w: %s: %v", ErrLedgerRejected, method, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrLedgerUnreachable, method, err)
}
