package solana

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the interface for the chain reads the harvester performs
// itself (LP-lock analysis and wallet balance). Swaps and liquidity
// operations go through the execution backend, not this client.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// GetTokenSupply fetches a mint's total raw supply.
	GetTokenSupply(ctx context.Context, mint Pubkey) (*TokenSupply, error)

	// GetLargestTokenAccounts returns the ~20 largest token accounts for a
	// mint, largest first.
	GetLargestTokenAccounts(ctx context.Context, mint Pubkey) ([]TokenHolder, error)

	// GetTokenAccountOwners resolves the wallet authority behind each token
	// account. Closed or never-created accounts come back with Exists=false.
	GetTokenAccountOwners(ctx context.Context, accounts []Pubkey) (map[Pubkey]AccountOwner, error)

	// GetAccountOwners resolves the owning program of arbitrary accounts.
	GetAccountOwners(ctx context.Context, accounts []Pubkey) (map[Pubkey]AccountOwner, error)

	// GetAccountsData fetches the raw data of arbitrary accounts in bulk.
	// Closed or never-created accounts are absent from the result.
	GetAccountsData(ctx context.Context, accounts []Pubkey) (map[Pubkey][]byte, error)

	// GetBalance returns a wallet's native balance in lamports.
	GetBalance(ctx context.Context, wallet Pubkey) (sdkmath.Int, error)

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"` // e.g. https://api.mainnet-beta.solana.com
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"` // requests per second limit
}

// DefaultRPCConfig returns development defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 10,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is a mock RPC client for testing.
type StubRPCClient struct {
	mu           sync.RWMutex
	supplies     map[Pubkey]*TokenSupply
	holders      map[Pubkey][]TokenHolder
	tokenOwners  map[Pubkey]AccountOwner
	accountOwner map[Pubkey]AccountOwner
	accountData  map[Pubkey][]byte
	balance      sdkmath.Int
	failNext     bool
}

// NewStubRPCClient creates a stub RPC client for testing.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		supplies:     make(map[Pubkey]*TokenSupply),
		holders:      make(map[Pubkey][]TokenHolder),
		tokenOwners:  make(map[Pubkey]AccountOwner),
		accountOwner: make(map[Pubkey]AccountOwner),
		accountData:  make(map[Pubkey][]byte),
		balance:      sdkmath.NewInt(10 * LamportsPerSOL),
	}
}

// SetSupply registers a mint supply for the stub to return.
func (s *StubRPCClient) SetSupply(supply TokenSupply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supplies[supply.Mint] = &supply
}

// SetHolders registers the largest-accounts list for a mint.
func (s *StubRPCClient) SetHolders(mint Pubkey, holders []TokenHolder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[mint] = holders
}

// SetTokenAccountOwner registers the wallet authority behind a token account.
func (s *StubRPCClient) SetTokenAccountOwner(account, owner Pubkey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenOwners[account] = AccountOwner{Address: account, Owner: owner, Exists: true}
}

// SetAccountOwner registers the owning program of an account.
func (s *StubRPCClient) SetAccountOwner(account, program Pubkey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountOwner[account] = AccountOwner{Address: account, Owner: program, Exists: true}
}

// SetAccountData registers raw account data for the stub to return.
func (s *StubRPCClient) SetAccountData(account Pubkey, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountData[account] = data
}

// SetBalance sets the stub wallet balance in lamports.
func (s *StubRPCClient) SetBalance(lamports sdkmath.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = lamports
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

func (s *StubRPCClient) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

// --- Interface implementation ---

func (s *StubRPCClient) GetTokenSupply(_ context.Context, mint Pubkey) (*TokenSupply, error) {
	if s.shouldFail() {
		return nil, Transient(fmt.Errorf("stub: simulated RPC failure"))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if supply, ok := s.supplies[mint]; ok {
		return supply, nil
	}
	return nil, Permanent(fmt.Errorf("stub: mint %s not found", mint))
}

func (s *StubRPCClient) GetLargestTokenAccounts(_ context.Context, mint Pubkey) ([]TokenHolder, error) {
	if s.shouldFail() {
		return nil, Transient(fmt.Errorf("stub: simulated RPC failure"))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holders[mint], nil
}

func (s *StubRPCClient) GetTokenAccountOwners(_ context.Context, accounts []Pubkey) (map[Pubkey]AccountOwner, error) {
	if s.shouldFail() {
		return nil, Transient(fmt.Errorf("stub: simulated RPC failure"))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[Pubkey]AccountOwner, len(accounts))
	for _, acct := range accounts {
		if owner, ok := s.tokenOwners[acct]; ok {
			result[acct] = owner
		} else {
			result[acct] = AccountOwner{Address: acct}
		}
	}
	return result, nil
}

func (s *StubRPCClient) GetAccountOwners(_ context.Context, accounts []Pubkey) (map[Pubkey]AccountOwner, error) {
	if s.shouldFail() {
		return nil, Transient(fmt.Errorf("stub: simulated RPC failure"))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[Pubkey]AccountOwner, len(accounts))
	for _, acct := range accounts {
		if owner, ok := s.accountOwner[acct]; ok {
			result[acct] = owner
		} else {
			result[acct] = AccountOwner{Address: acct}
		}
	}
	return result, nil
}

func (s *StubRPCClient) GetAccountsData(_ context.Context, accounts []Pubkey) (map[Pubkey][]byte, error) {
	if s.shouldFail() {
		return nil, Transient(fmt.Errorf("stub: simulated RPC failure"))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[Pubkey][]byte, len(accounts))
	for _, acct := range accounts {
		if data, ok := s.accountData[acct]; ok {
			result[acct] = data
		}
	}
	return result, nil
}

func (s *StubRPCClient) GetBalance(_ context.Context, _ Pubkey) (sdkmath.Int, error) {
	if s.shouldFail() {
		return sdkmath.ZeroInt(), Transient(fmt.Errorf("stub: simulated RPC failure"))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance, nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	if s.shouldFail() {
		return Transient(fmt.Errorf("stub: simulated RPC failure"))
	}
	return nil
}
