package contracts

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABI definitions for the TokenHub contracts. Only view functions are listed;
// transaction flows are handled by the browser wallet.

// ERC20 ABI - metadata, supply and balances, plus the owner() exposed by
// factory-created tokens
const ERC20ABIJSON = `[
	{
		"inputs": [],
		"name": "name",
		"outputs": [{"internalType": "string", "name": "", "type": "string"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "symbol",
		"outputs": [{"internalType": "string", "name": "", "type": "string"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "decimals",
		"outputs": [{"internalType": "uint8", "name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "totalSupply",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "owner",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// Token factory ABI - enumeration of created tokens
const TokenFactoryABIJSON = `[
	{
		"inputs": [],
		"name": "getAllTokens",
		"outputs": [{"internalType": "address[]", "name": "", "type": "address[]"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "creator", "type": "address"}],
		"name": "getTokensByCreator",
		"outputs": [{"internalType": "address[]", "name": "", "type": "address[]"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "allTokensLength",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"name": "allTokens",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "token", "type": "address"}],
		"name": "tokenCreatedAt",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// Lending pool factory ABI - indexed enumeration
const LendingPoolFactoryABIJSON = `[
	{
		"inputs": [],
		"name": "allPoolsLength",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"name": "allPools",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getAllPools",
		"outputs": [{"internalType": "address[]", "name": "", "type": "address[]"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// Lending pool ABI - per-pool state shown on the pools dashboard
const LendingPoolABIJSON = `[
	{
		"inputs": [],
		"name": "asset",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "collateralToken",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "totalDeposits",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "totalBorrows",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "interestRate",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "collateralFactor",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "user", "type": "address"}],
		"name": "getUserPosition",
		"outputs": [
			{"internalType": "uint256", "name": "deposited", "type": "uint256"},
			{"internalType": "uint256", "name": "borrowed", "type": "uint256"},
			{"internalType": "uint256", "name": "collateral", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "createdAt",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

var (
	ERC20ABI              abi.ABI
	TokenFactoryABI       abi.ABI
	LendingPoolFactoryABI abi.ABI
	LendingPoolABI        abi.ABI
)

// builtin maps configuration names to parsed ABIs.
var builtin map[string]*abi.ABI

func init() {
	ERC20ABI = mustParse("ERC20", ERC20ABIJSON)
	TokenFactoryABI = mustParse("TokenFactory", TokenFactoryABIJSON)
	LendingPoolFactoryABI = mustParse("LendingPoolFactory", LendingPoolFactoryABIJSON)
	LendingPoolABI = mustParse("LendingPool", LendingPoolABIJSON)

	builtin = map[string]*abi.ABI{
		"erc20":                &ERC20ABI,
		"token_factory":        &TokenFactoryABI,
		"lending_pool_factory": &LendingPoolFactoryABI,
		"lending_pool":         &LendingPoolABI,
	}
}

func mustParse(name, jsonABI string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(jsonABI))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// Names returns the built-in ABI names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves an ABI reference from configuration. A reference is either
// a built-in name or a path to a JSON ABI file (Hardhat/Foundry artifacts
// are not unwrapped; the file must hold the bare ABI array).
func Lookup(ref string) (*abi.ABI, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty ABI reference")
	}
	if parsed, ok := builtin[ref]; ok {
		return parsed, nil
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("unknown ABI %q (built-in: %s)", ref, strings.Join(Names(), ", "))
		}
		return nil, fmt.Errorf("reading ABI file: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing ABI file %s: %w", ref, err)
	}
	return &parsed, nil
}
