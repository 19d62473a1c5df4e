// Package modq implements the fixed mod-Q ring arithmetic that every
// PrivCount secure counter cell is built on: uniform CSPRNG sampling,
// blinding-factor derivation and inversion, and signed recovery at tally
// time.
package modq

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/cronokirby/saferith"
)

// Q is the hard-coded modulus for every blinded counter cell.
//
// It must exceed the sum of every possible tally plus noise plus per-DC
// blinding magnitude, with comfortable margin, and must be large enough
// that birthday collisions among uniformly-random blinding factors across a
// round's counters are astronomically unlikely. 2^70 satisfies both with
// room to spare (Tor traffic estimates top out well under 2^64 events/year).
const qBits = 70

// Q returns the modulus as a saferith.Modulus, shared by every caller.
func Q() *saferith.Modulus {
	return qModulus
}

// QBig returns the modulus as a math/big.Int, for call sites that need to
// print or compare it outside the saferith ring (e.g. JSON bin bounds).
func QBig() *big.Int {
	return new(big.Int).Set(qBig)
}

var (
	qBig     = new(big.Int).Lsh(big.NewInt(1), qBits)
	qNat     = new(saferith.Nat).SetBig(qBig, qBits+1)
	qModulus = saferith.ModulusFromNat(qNat)
)

// Sample draws a value uniformly distributed in [0, Q) from the platform
// CSPRNG, using rejection sampling over the minimal power-of-two bit length
// to avoid bias. Noise and blinding factors must always be sampled this
// way, never from a seedable PRNG: knowing the RNG state would let an
// adversary remove the noise or reconstruct a share.
func Sample() *saferith.Nat {
	return sampleBelow(qBig)
}

// sampleBelow draws a value uniformly distributed in [0, modulus) using
// rejection sampling over ceil(log2(modulus)) CSPRNG bits.
func sampleBelow(modulus *big.Int) *saferith.Nat {
	if modulus.Sign() <= 0 {
		panic("modq: modulus must be positive")
	}
	bitLen := new(big.Int).Sub(modulus, big.NewInt(1)).BitLen()
	if bitLen == 0 {
		bitLen = 1
	}
	byteLen := (bitLen + 7) / 8
	buf := make([]byte, byteLen)
	excess := uint(byteLen*8 - bitLen)
	for {
		if _, err := rand.Read(buf); err != nil {
			// the platform CSPRNG failing is not recoverable
			panic(fmt.Sprintf("modq: CSPRNG read failed: %v", err))
		}
		if excess > 0 {
			buf[0] &= byte(0xFF >> excess)
		}
		v := new(big.Int).SetBytes(buf)
		if v.Cmp(modulus) < 0 {
			return new(saferith.Nat).SetBig(v, bitLen)
		}
	}
}

// DeriveBlindingFactor calculates a blinding factor less than Q.
//
// If secret is nil, a fresh factor is sampled uniformly from [0, Q) and
// returned. If positive is true, the factor itself is returned; if false,
// the additive inverse mod Q (the unblinding factor) is returned. Typical
// usage:
//
//	blinding   := DeriveBlindingFactor(nil, true)
//	unblinding := DeriveBlindingFactor(blinding, false)
func DeriveBlindingFactor(secret *saferith.Nat, positive bool) *saferith.Nat {
	v := secret
	if v == nil {
		v = Sample()
	}
	if positive {
		return new(saferith.Nat).Mod(v, qModulus)
	}
	return new(saferith.Nat).ModNeg(v, qModulus)
}

// AddMod returns (a + b) mod Q.
func AddMod(a, b *saferith.Nat) *saferith.Nat {
	return new(saferith.Nat).ModAdd(a, b, qModulus)
}

// AdjustSigned maps an unsigned count in [0, Q) to the signed range
// [-ceil(Q/2), ceil(Q/2)-1] (even-Q convention, since Q=2^70 is always
// even): values in the upper half are interpreted as negative, equivalent
// to two's-complement. This is required at tally time, because noise may
// be negative.
func AdjustSigned(count *saferith.Nat) *big.Int {
	c := natToBig(count)
	half := new(big.Int).Rsh(new(big.Int).Add(qBig, big.NewInt(1)), 1)
	if c.Cmp(half) >= 0 {
		return new(big.Int).Sub(c, qBig)
	}
	return c
}

// natToBig converts a saferith.Nat back to a math/big.Int, reduced mod Q,
// for presentation and signed-recovery arithmetic that saferith's
// constant-time Nat does not itself expose.
func natToBig(n *saferith.Nat) *big.Int {
	reduced := new(saferith.Nat).Mod(n, qModulus)
	return new(big.Int).SetBytes(reduced.Bytes())
}

// NatFromInt64 builds a Nat representing a small non-negative increment
// (e.g. a per-event counter increment), reduced mod Q.
func NatFromInt64(v int64) *saferith.Nat {
	if v < 0 {
		panic("modq: increment must be non-negative; use ModNeg for subtraction")
	}
	return new(saferith.Nat).Mod(new(saferith.Nat).SetUint64(uint64(v)), qModulus)
}

// NatFromBig builds a Nat from an arbitrary non-negative big.Int, reduced
// mod Q. Used when importing a blinding share's wire-encoded bin value.
func NatFromBig(v *big.Int) *saferith.Nat {
	if v.Sign() < 0 {
		panic("modq: value must be non-negative")
	}
	return new(saferith.Nat).Mod(new(saferith.Nat).SetBig(v, v.BitLen()+1), qModulus)
}

// NatToBig exposes natToBig for callers outside this package that need to
// serialize a raw mod-Q cell value (e.g. encoding a blinding share to JSON).
func NatToBig(n *saferith.Nat) *big.Int {
	return natToBig(n)
}

// Zero returns the additive identity mod Q.
func Zero() *saferith.Nat {
	return new(saferith.Nat).SetUint64(0)
}

// MinBlindedCounterValue and MaxBlindedCounterValue bound an unsigned,
// still-blinded counter cell: always [0, Q).
func MinBlindedCounterValue() *big.Int { return big.NewInt(0) }
func MaxBlindedCounterValue() *big.Int { return new(big.Int).Sub(qBig, big.NewInt(1)) }

// MinTallyCounterValue and MaxTallyCounterValue bound a signed, tallied
// counter cell after AdjustSigned: [-ceil(Q/2), ceil(Q/2)-1]. Before it
// starts a round, the tally server checks each DC's noise weight, and the
// sum of the weights, against MaxTallyCounterValue; both bounds are echoed
// in the outcome file's config context. Config validation does not use them.
func MinTallyCounterValue() *big.Int {
	half := new(big.Int).Rsh(new(big.Int).Add(qBig, big.NewInt(1)), 1)
	return AdjustSigned(NatFromBig(half))
}

func MaxTallyCounterValue() *big.Int {
	half := new(big.Int).Sub(new(big.Int).Rsh(new(big.Int).Add(qBig, big.NewInt(1)), 1), big.NewInt(1))
	return AdjustSigned(NatFromBig(half))
}
