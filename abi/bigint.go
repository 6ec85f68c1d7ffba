package abi

import (
	"math/big"

	"github.com/wippyai/subgraph-runtime/errors"
)

const (
	wideBytes      = 32
	bigIntPayload  = wideBytes + 1
	bigUintPayload = wideBytes

	signPositive byte = 0
	signNegative byte = 1
)

var (
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	// 2^255 is the magnitude of the smallest signed value.
	minInt256Magnitude = new(big.Int).Lsh(big.NewInt(1), 255)
)

// MaxUint256 returns 2^256-1.
func MaxUint256() *big.Int { return new(big.Int).Set(maxUint256) }

// MaxInt256 returns 2^255-1.
func MaxInt256() *big.Int { return new(big.Int).Sub(minInt256Magnitude, big.NewInt(1)) }

// MinInt256 returns -2^255.
func MinInt256() *big.Int { return new(big.Int).Neg(minInt256Magnitude) }

func packBigUint(path []string, n *big.Int) ([]byte, error) {
	if n.Sign() < 0 || n.BitLen() > 256 {
		return nil, errors.Overflow(errors.PhaseEncode, path, n, "biguint")
	}
	return n.FillBytes(make([]byte, bigUintPayload)), nil
}

func packBigInt(path []string, n *big.Int) ([]byte, error) {
	out := make([]byte, bigIntPayload)
	mag := new(big.Int).Abs(n)
	if n.Sign() < 0 {
		if mag.Cmp(minInt256Magnitude) > 0 {
			return nil, errors.Overflow(errors.PhaseEncode, path, n, "bigint")
		}
		out[0] = signNegative
	} else if mag.BitLen() > 255 {
		return nil, errors.Overflow(errors.PhaseEncode, path, n, "bigint")
	}
	mag.FillBytes(out[1:])
	return out, nil
}

func unpackBigUint(payload []byte) *big.Int {
	return new(big.Int).SetBytes(payload)
}

func unpackBigInt(path []string, payload []byte) (*big.Int, *errors.Error) {
	sign := payload[0]
	mag := new(big.Int).SetBytes(payload[1:])
	switch sign {
	case signPositive:
		if mag.BitLen() > 255 {
			return nil, errors.InvalidData(errors.PhaseDecode, path, "bigint magnitude exceeds 2^255-1")
		}
		return mag, nil
	case signNegative:
		if mag.Sign() == 0 {
			return nil, errors.InvalidData(errors.PhaseDecode, path, "negative zero bigint")
		}
		if mag.Cmp(minInt256Magnitude) > 0 {
			return nil, errors.InvalidData(errors.PhaseDecode, path, "bigint magnitude exceeds 2^255")
		}
		return mag.Neg(mag), nil
	default:
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Path(path...).
			Value(sign).
			Detailf("invalid bigint sign byte %d", sign).
			Build()
	}
}
