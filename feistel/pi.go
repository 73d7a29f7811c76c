package feistel

import (
	"encoding/binary"
	"math/big"
)

// initial holds the schedule before any key is mixed in: P followed by the
// four S-boxes, filled with consecutive 32-bit words of the fractional part
// of pi.
var initial Schedule

func init() {
	words := piWords(len(initial.P) + len(initial.S)*len(initial.S[0]))
	n := copy(initial.P[:], words)
	for i := range initial.S {
		n += copy(initial.S[i][:], words[n:])
	}
}

// piWords returns the first n 32-bit words of the fractional part of pi,
// using Machin's formula pi = 16 atan(1/5) - 4 atan(1/239) in fixed point.
// The 64 guard bits absorb the truncation error of the series.
func piWords(n int) []uint32 {
	const guard = 64
	prec := uint(n*32 + guard)

	pi := new(big.Int).Mul(big.NewInt(16), arctanInv(5, prec))
	pi.Sub(pi, new(big.Int).Mul(big.NewInt(4), arctanInv(239, prec)))
	pi.Sub(pi, new(big.Int).Lsh(big.NewInt(3), prec))
	pi.Rsh(pi, guard)

	buf := pi.FillBytes(make([]byte, n*4))
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(buf[4*i:])
	}
	return words
}

// arctanInv returns atan(1/x) scaled by 2^prec.
func arctanInv(x int64, prec uint) *big.Int {
	x2 := big.NewInt(x * x)
	term := new(big.Int).Lsh(big.NewInt(1), prec)
	term.Quo(term, big.NewInt(x))
	sum := new(big.Int).Set(term)

	div := new(big.Int)
	t := new(big.Int)
	for k := int64(1); term.Sign() != 0; k++ {
		term.Quo(term, x2)
		t.Quo(term, div.SetInt64(2*k+1))
		if k%2 == 1 {
			sum.Sub(sum, t)
		} else {
			sum.Add(sum, t)
		}
	}
	return sum
}
