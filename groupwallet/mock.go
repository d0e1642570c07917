package groupwallet

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/grouptoken/tokend/group"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// MockCoinLister serves a fixed coin set.
type MockCoinLister struct {
	// Coins is the full spendable set, served in slice order.
	Coins []*Coin

	// ListErr, when set, fails every call.
	ListErr error
}

var _ CoinLister = (*MockCoinLister)(nil)

// ListCoins returns the coins matching the filter in slice order.
func (m *MockCoinLister) ListCoins(_ context.Context,
	filter CoinFilter) ([]*Coin, error) {

	if m.ListErr != nil {
		return nil, m.ListErr
	}

	var matches []*Coin
	for _, c := range m.Coins {
		if filter == nil || filter(c) {
			matches = append(matches, c)
		}
	}
	return matches, nil
}

// MockReservedKey records its Keep/Release outcome.
type MockReservedKey struct {
	Addr btcutil.Address
	Desc keychain.KeyDescriptor

	Kept     bool
	Released bool
}

var _ ReservedKey = (*MockReservedKey)(nil)

// Address returns the key's address.
func (m *MockReservedKey) Address() btcutil.Address {
	return m.Addr
}

// KeyDesc returns the key's locator.
func (m *MockReservedKey) KeyDesc() keychain.KeyDescriptor {
	return m.Desc
}

// Keep commits the reservation.
func (m *MockReservedKey) Keep() {
	m.Kept = true
}

// Release returns the key to the pool.
func (m *MockReservedKey) Release() {
	m.Released = true
}

// MockKeyRing hands out deterministic fresh keys and remembers every
// reservation, so tests can assert the keep/release discipline.
type MockKeyRing struct {
	Params   *chaincfg.Params
	Reserved []*MockReservedKey

	// ReserveErr, when set, fails every reservation.
	ReserveErr error

	nextIndex uint32
}

var _ KeyRing = (*MockKeyRing)(nil)

// NewMockKeyRing creates a key ring for the given chain.
func NewMockKeyRing(params *chaincfg.Params) *MockKeyRing {
	return &MockKeyRing{Params: params}
}

// ReserveNextKey reserves the next deterministic key.
func (m *MockKeyRing) ReserveNextKey(_ context.Context) (ReservedKey, error) {
	if m.ReserveErr != nil {
		return nil, m.ReserveErr
	}

	m.nextIndex++

	hash := bytes.Repeat([]byte{0xee}, 20)
	binary.BigEndian.PutUint32(hash, m.nextIndex)
	addr, err := btcutil.NewAddressPubKeyHash(hash, m.Params)
	if err != nil {
		return nil, err
	}

	key := &MockReservedKey{
		Addr: addr,
		Desc: keychain.KeyDescriptor{
			KeyLocator: keychain.KeyLocator{
				Index: m.nextIndex,
			},
		},
	}
	m.Reserved = append(m.Reserved, key)
	return key, nil
}

// MockSigner fills every input with a fixed-size placeholder signature
// script and records the transactions it signed.
type MockSigner struct {
	Signed []*wire.MsgTx

	// SignErr, when set, fails every call.
	SignErr error
}

var _ Signer = (*MockSigner)(nil)

// SignTransaction signs the transaction with placeholder scripts.
func (m *MockSigner) SignTransaction(_ context.Context, tx *wire.MsgTx,
	prevOuts map[wire.OutPoint]*wire.TxOut) error {

	if m.SignErr != nil {
		return m.SignErr
	}

	for _, txIn := range tx.TxIn {
		if _, ok := prevOuts[txIn.PreviousOutPoint]; !ok {
			return fmt.Errorf("no previous output for input %v",
				txIn.PreviousOutPoint)
		}
		txIn.SignatureScript = bytes.Repeat(
			[]byte{0x00}, sigScriptEstLen,
		)
	}

	m.Signed = append(m.Signed, tx)
	return nil
}

// MockChainBridge serves a fixed height and fee rate and records published
// transactions.
type MockChainBridge struct {
	Height    uint32
	FeeRate   chainfee.SatPerKWeight
	Published []*wire.MsgTx

	// PublishErr, when set, fails every broadcast.
	PublishErr error
}

var _ ChainBridge = (*MockChainBridge)(nil)

// CurrentHeight returns the fixed height.
func (m *MockChainBridge) CurrentHeight(_ context.Context) (uint32, error) {
	return m.Height, nil
}

// EstimateFee returns the fixed fee rate.
func (m *MockChainBridge) EstimateFee(_ context.Context,
	_ uint32) (chainfee.SatPerKWeight, error) {

	return m.FeeRate, nil
}

// PublishTransaction records the broadcast.
func (m *MockChainBridge) PublishTransaction(_ context.Context,
	tx *wire.MsgTx) error {

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, tx)
	return nil
}

// MockRegistry is a fixed fee-token regime.
type MockRegistry struct {
	TokenID group.ID
	Fee     uint64
	Addr    btcutil.Address
}

var _ GroupRegistry = (*MockRegistry)(nil)

// FeeTokenID returns the fee token group.
func (m *MockRegistry) FeeTokenID() group.ID {
	return m.TokenID
}

// FeeAmount returns the fixed base fee regardless of height.
func (m *MockRegistry) FeeAmount(_ uint32) uint64 {
	return m.Fee
}

// FeeAddress returns the fee destination.
func (m *MockRegistry) FeeAddress() btcutil.Address {
	return m.Addr
}
