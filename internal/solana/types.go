package solana

import (
	sdkmath "cosmossdk.io/math"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// ---------------------------------------------------------------------------
// Well-known addresses
// ---------------------------------------------------------------------------

const (
	// WSOLMint is the wrapped-SOL token mint.
	WSOLMint Pubkey = "So11111111111111111111111111111111111111112"

	// SystemProgram owns plain (non-token) accounts, including burn sinks.
	SystemProgram Pubkey = "11111111111111111111111111111111"

	// TokenProgram is the SPL token program.
	TokenProgram Pubkey = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

	// RaydiumAMMV4Program is the standard constant-product AMM program.
	RaydiumAMMV4Program Pubkey = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"

	// RaydiumLPAuthority is the AMM's derived authority; LP tokens held by it
	// are protocol-locked, not withdrawable by the pool creator.
	RaydiumLPAuthority Pubkey = "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"
)

// BurnAddresses are known incinerator sinks. LP sent here is gone forever.
var BurnAddresses = map[Pubkey]bool{
	"1111111111111111111111111111111111111111111": true,
	"1nc1nerator11111111111111111111111111111111": true,
}

// LockerPrograms are time-lock contracts. LP owned by accounts these programs
// control counts as contract-locked.
var LockerPrograms = map[Pubkey]string{
	"strmRqUCoQUgGUan5YhzUZa6KqdzwX5L6FpUxfmKg5m":  "streamflow",
	"LocpQgucEQHbqNABEYvBMrzJKjWcjEPPwd6i215cQ9a":  "bonfida",
	"2r5VekMNiWPzi1pWwvJczrdPaZnJG59u91unSrTunwJg": "jupiter-lock",
	"FLockTopXvM3MRs5ThJTsSQDQNmzWfnj5s7xUQXKTc1v": "fluxbeam",
	"GJa1VEhNhjMEJoeqYyPvH5Ts9XadZAdFmRSi8ijrSU7G": "raydium-lock",
}

// LamportsPerSOL converts the native balance unit.
const LamportsPerSOL = 1_000_000_000

// ---------------------------------------------------------------------------
// On-chain read results
// ---------------------------------------------------------------------------

// TokenSupply is a mint's total supply in raw units.
type TokenSupply struct {
	Mint     Pubkey      `json:"mint"`
	Amount   sdkmath.Int `json:"amount"`
	Decimals uint8       `json:"decimals"`
}

// TokenHolder is one entry from the largest-accounts list for a mint.
// Address is the token account, not the wallet behind it.
type TokenHolder struct {
	Address Pubkey      `json:"address"`
	Amount  sdkmath.Int `json:"amount"`
}

// AccountOwner maps an account to whoever controls it. For a token account
// the Owner is the wallet authority; for an arbitrary account it is the
// owning program. Exists is false when the account is closed or was never
// created (funds sent there are unrecoverable).
type AccountOwner struct {
	Address Pubkey `json:"address"`
	Owner   Pubkey `json:"owner"`
	Exists  bool   `json:"exists"`
}
