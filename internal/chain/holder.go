package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

// HolderElevation grants elevated status to requesters whose wallet holds at
// least MinBalance of a token. Requesters are resolved to wallets through
// Wallets, or used directly when they already are an address.
type HolderElevation struct {
	rpc        RPC
	token      common.Address
	minBalance *big.Int
	wallets    map[string]string
	abi        abi.ABI
}

func NewHolderElevation(rpc RPC, token string, minBalance *big.Int, wallets map[string]string) (*HolderElevation, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid holder token address %q", token)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	w := make(map[string]string, len(wallets))
	for k, v := range wallets {
		w[strings.ToLower(k)] = v
	}
	if minBalance == nil {
		minBalance = big.NewInt(1)
	}
	return &HolderElevation{rpc: rpc, token: common.HexToAddress(token), minBalance: minBalance, wallets: w, abi: parsed}, nil
}

func (h *HolderElevation) IsElevated(ctx context.Context, requester string) (bool, error) {
	wallet, ok := h.wallets[strings.ToLower(requester)]
	if !ok {
		wallet = requester
	}
	if !common.IsHexAddress(wallet) {
		return false, nil
	}
	data, err := h.abi.Pack("balanceOf", common.HexToAddress(wallet))
	if err != nil {
		return false, err
	}
	out, err := h.rpc.CallContract(ctx, ethereum.CallMsg{To: &h.token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("balanceOf: %w", err)
	}
	vals, err := h.abi.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return false, fmt.Errorf("decode balanceOf: %v", err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("unexpected balanceOf type %T", vals[0])
	}
	return bal.Cmp(h.minBalance) >= 0, nil
}
