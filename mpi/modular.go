package mpi

var one = FromUint64(1)

// ModMul returns a*b mod m. Both factors are reduced first. It returns zero
// when m is zero.
func ModMul(a, b, m Int) Int {
	if m.IsZero() {
		return Int{}
	}
	if Cmp(&a, &m) >= 0 {
		a = Mod(a, m)
	}
	if Cmp(&b, &m) >= 0 {
		b = Mod(b, m)
	}
	return modMulPrec(&a, &b, &m, m.SigLimbs())
}

// modMulPrec is the double-and-add step shared by ModExp and the primality
// test. It requires a < m and b < m; prec is the number of significant limbs
// of m. A carry out of the top limb means the doubled value is at least m.
func modMulPrec(a, b, m *Int, prec int) Int {
	var v Int
	for i := a.BitLen() - 1; i >= 0; i-- {
		if shl1N(&v, prec) != 0 || cmpN(&v, m, prec) >= 0 {
			subN(&v, m, prec)
		}
		if a.Bit(i) == 1 {
			if addN(&v, b, prec) != 0 || cmpN(&v, m, prec) >= 0 {
				subN(&v, m, prec)
			}
		}
	}
	return v
}

// ModExp returns base^exp mod m by square and multiply from the top bit of
// exp. It returns zero when m is zero or one.
func ModExp(base, exp, m Int) Int {
	if m.IsZero() || m == one {
		return Int{}
	}
	if Cmp(&base, &m) >= 0 {
		base = Mod(base, m)
	}
	n := exp.BitLen()
	if n == 0 {
		return one
	}
	prec := m.SigLimbs()
	c := base
	for i := n - 2; i >= 0; i-- {
		c = modMulPrec(&c, &c, &m, prec)
		if exp.Bit(i) == 1 {
			c = modMulPrec(&c, &base, &m, prec)
		}
	}
	return c
}

// GCD returns the greatest common divisor of a and b.
func GCD(a, b Int) Int {
	for !b.IsZero() {
		a, b = b, Mod(a, b)
	}
	return a
}

// ModInverse returns x with a*x = 1 mod m, using the extended Euclidean
// algorithm with signed coefficients. m must be below 2^(Bits-1). The second
// result is false when a and m are not coprime.
func ModInverse(a, m Int) (Int, bool) {
	if m.IsZero() {
		return Int{}, false
	}
	r0, r1 := m, Mod(a, m)
	var t0 Int
	t1 := one
	for !r1.IsZero() {
		q, r, _ := DivMod(r0, r1)
		r0, r1 = r1, r

		qt := Mul(q, t1)
		next := t0
		next.Sub(&qt)
		t0, t1 = t1, next
	}
	if r0 != one {
		return Int{}, false
	}
	if t0.IsNeg() {
		t0.Add(&m)
	}
	return t0, true
}
