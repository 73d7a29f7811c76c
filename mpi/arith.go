package mpi

// Add sets a = a + b and returns the carry out of the top limb.
func (a *Int) Add(b *Int) uint16 {
	return addN(a, b, Limbs)
}

// Sub sets a = a - b and returns the borrow out of the top limb.
func (a *Int) Sub(b *Int) uint16 {
	return subN(a, b, Limbs)
}

// Shl1 shifts a left by one bit and returns the bit shifted out.
func (a *Int) Shl1() uint16 {
	return shl1N(a, Limbs)
}

// Shr1 shifts a right by one bit and returns the bit shifted out.
func (a *Int) Shr1() uint16 {
	var c uint16
	for i := Limbs - 1; i >= 0; i-- {
		next := a[i] & 1
		a[i] = a[i]>>1 | c<<(LimbBits-1)
		c = next
	}
	return c
}

// Cmp compares a and b as unsigned values and returns -1, 0 or +1.
func Cmp(a, b *Int) int {
	return cmpN(a, b, Limbs)
}

// The N variants only touch the low n limbs. Modular loops pass the
// precision of the modulus so that work is bounded by its size.

func addN(a, b *Int, n int) uint16 {
	var carry uint32
	for i := 0; i < n; i++ {
		s := uint32(a[i]) + uint32(b[i]) + carry
		a[i] = uint16(s)
		carry = s >> LimbBits
	}
	return uint16(carry)
}

func subN(a, b *Int, n int) uint16 {
	var borrow uint32
	for i := 0; i < n; i++ {
		d := uint32(a[i]) - uint32(b[i]) - borrow
		a[i] = uint16(d)
		borrow = (d >> LimbBits) & 1
	}
	return uint16(borrow)
}

func shl1N(a *Int, n int) uint16 {
	var c uint16
	for i := 0; i < n; i++ {
		next := a[i] >> (LimbBits - 1)
		a[i] = a[i]<<1 | c
		c = next
	}
	return c
}

func cmpN(a, b *Int, n int) int {
	for i := n - 1; i >= 0; i-- {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return 1
			}
			return -1
		}
	}
	return 0
}

// DivMod returns the quotient and remainder of a / b using restoring
// division, one bit per step.
func DivMod(a, b Int) (q, r Int, err error) {
	if b.IsZero() {
		return q, r, ErrDivideByZero
	}
	q = a
	for i := 0; i < Bits; i++ {
		top := q.Shl1()
		over := r.Shl1()
		r[0] |= top
		if over != 0 || Cmp(&r, &b) >= 0 {
			r.Sub(&b)
			q[0] |= 1
		}
	}
	return q, r, nil
}

// Mod returns a mod m. It returns zero when m is zero.
func Mod(a, m Int) Int {
	_, r, err := DivMod(a, m)
	if err != nil {
		return Int{}
	}
	return r
}

// ModSmall returns a mod d for a single-limb divisor. d must not be zero.
func ModSmall(a Int, d uint16) uint16 {
	var r uint32
	for i := Limbs - 1; i >= 0; i-- {
		r = (r<<LimbBits | uint32(a[i])) % uint32(d)
	}
	return uint16(r)
}

// Mul returns a * b truncated to Bits, by shift and add.
func Mul(a, b Int) Int {
	var r Int
	for i := a.BitLen() - 1; i >= 0; i-- {
		r.Shl1()
		if a.Bit(i) == 1 {
			r.Add(&b)
		}
	}
	return r
}
