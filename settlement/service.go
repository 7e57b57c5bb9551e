package settlement

import (
	"crypto/ecdsa"
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

type claimKey struct {
	channel [32]byte
	signer  common.Address
}

// Service owns the channel table and the running claim tallies. Claims are
// signed and recorded under the service lock so nonces stay strictly
// monotonic per (channel, signer).
type Service struct {
	key          *ecdsa.PrivateKey
	localAddress common.Address

	mu         sync.Mutex
	channels   map[[32]byte]*Channel
	lastSigned map[[32]byte]*SignedClaim
	lastSeen   map[claimKey]*SignedClaim
}

// NewService builds a settlement service signing claims with the given hex
// secp256k1 private key.
func NewService(hexKey string) (*Service, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid channel private key")
	}
	return &Service{
		key:          key,
		localAddress: crypto.PubkeyToAddress(key.PublicKey),
		channels:     make(map[[32]byte]*Channel),
		lastSigned:   make(map[[32]byte]*SignedClaim),
		lastSeen:     make(map[claimKey]*SignedClaim),
	}, nil
}

// LocalAddress is the EVM address derived from the channel key.
func (s *Service) LocalAddress() common.Address {
	return s.localAddress
}

// SignClaim produces the next claim on a channel. newAmount must be
// strictly greater than the last signed amount; the nonce is incremented
// under the lock so no two claims ever share one.
func (s *Service) SignClaim(channelID [32]byte, newAmount uint64) (*SignedClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, ErrUnknownChannel
	}
	if ch.State != ChannelOpen {
		return nil, errors.Errorf("channel not open: %s", ch.State)
	}
	var nonce uint64 = 1
	if last := s.lastSigned[channelID]; last != nil {
		if newAmount <= last.Amount {
			return nil, errors.Errorf("claim amount %d does not exceed last signed amount %d", newAmount, last.Amount)
		}
		nonce = last.Nonce + 1
	}
	digest := claimDigest(channelID, nonce, newAmount)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign claim")
	}
	claim := &SignedClaim{ChannelID: channelID, Nonce: nonce, Amount: newAmount, Signature: sig}
	s.lastSigned[channelID] = claim
	return claim, nil
}

// RecoverSigner returns the EVM address that signed the claim.
func RecoverSigner(claim *SignedClaim) (common.Address, error) {
	digest := claimDigest(claim.ChannelID, claim.Nonce, claim.Amount)
	pub, err := crypto.SigToPub(digest, claim.Signature)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "could not recover claim signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyClaim checks a claim against the expected signer without recording
// it: signature, open channel, and a nonce strictly greater than the last
// seen for (channel, signer).
func (s *Service) VerifyClaim(claim *SignedClaim, signer common.Address) error {
	recovered, err := RecoverSigner(claim)
	if err != nil {
		return err
	}
	if recovered != signer {
		return errors.Errorf("claim signed by %s, expected %s", recovered.Hex(), signer.Hex())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkClaimLocked(claim, signer)
}

// CheckClaim verifies an inbound claim without recording it, so a packet
// that is rejected later in the pipeline leaves the latest-claim table
// untouched.
func (s *Service) CheckClaim(claim *SignedClaim) error {
	signer, err := RecoverSigner(claim)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkClaimLocked(claim, signer)
}

// ObserveClaim verifies an inbound claim and records it as the latest seen
// for its (channel, signer) pair. Stale nonces yield ErrStaleClaim and
// leave the table untouched.
func (s *Service) ObserveClaim(claim *SignedClaim) (common.Address, error) {
	signer, err := RecoverSigner(claim)
	if err != nil {
		return common.Address{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkClaimLocked(claim, signer); err != nil {
		return signer, err
	}
	s.lastSeen[claimKey{channel: claim.ChannelID, signer: signer}] = claim
	return signer, nil
}

// LatestClaim returns the last recorded claim from the signer on the
// channel.
func (s *Service) LatestClaim(channelID [32]byte, signer common.Address) (*SignedClaim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.lastSeen[claimKey{channel: channelID, signer: signer}]
	return claim, ok
}

func (s *Service) checkClaimLocked(claim *SignedClaim, signer common.Address) error {
	ch, ok := s.channels[claim.ChannelID]
	if !ok {
		return ErrUnknownChannel
	}
	if ch.State != ChannelOpen {
		return errors.Errorf("channel not open: %s", ch.State)
	}
	if last := s.lastSeen[claimKey{channel: claim.ChannelID, signer: signer}]; last != nil {
		if claim.Nonce <= last.Nonce {
			return errors.Wrapf(ErrStaleClaim, "nonce %d not above %d", claim.Nonce, last.Nonce)
		}
		if claim.Amount < last.Amount {
			return errors.Wrapf(ErrStaleClaim, "amount %d below %d", claim.Amount, last.Amount)
		}
	}
	return nil
}

// claimDigest is the signed message: keccak256(channelId || nonce || amount)
// with fixed-width big-endian integers.
func claimDigest(channelID [32]byte, nonce, amount uint64) []byte {
	buf := make([]byte, 48)
	copy(buf[:32], channelID[:])
	binary.BigEndian.PutUint64(buf[32:40], nonce)
	binary.BigEndian.PutUint64(buf[40:48], amount)
	return crypto.Keccak256(buf)
}
