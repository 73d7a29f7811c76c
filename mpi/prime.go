package mpi

// PrimeCount is the number of small primes used by Sieve.
const PrimeCount = 54

var smallPrimes = [PrimeCount]uint16{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47, 53, 59, 61,
	67, 71, 73, 79, 83, 89, 97, 101, 103, 107, 109, 113, 127, 131, 137, 139,
	149, 151, 157, 163, 167, 173, 179, 181, 191, 193, 197, 199, 211, 223, 227, 229,
	233, 239, 241, 251,
}

var two = FromUint64(2)

// Sieve trial-divides n by the primes 2..251 and returns the first divisor
// found, or 0 if there is none. A small prime reports itself.
func Sieve(n Int) uint16 {
	for _, p := range smallPrimes {
		if ModSmall(n, p) == 0 {
			return p
		}
	}
	return 0
}

// FermatTest reports whether 2^(n-1) mod n is 1. It is only a probable
// prime test and is unreliable for small n, so callers sieve first.
func FermatTest(n Int) bool {
	if Cmp(&n, &two) < 0 {
		return false
	}
	e := n
	e.Sub(&one)
	r := ModExp(two, e, n)
	return r == one
}

// NextPrime returns the first value at or above n, forced odd, that has no
// small prime factor and passes FermatTest. maxSteps bounds the number of
// candidates tried; zero or less means no bound.
func NextPrime(n Int, maxSteps int) (Int, error) {
	a := n
	a[0] |= 1
	for step := 0; maxSteps <= 0 || step < maxSteps; step++ {
		if Sieve(a) == 0 && FermatTest(a) {
			return a, nil
		}
		if a.Add(&two) != 0 {
			return Int{}, ErrOverflow
		}
	}
	return Int{}, ErrPrimeSearchExhausted
}

// Randomize XORs a with words from src and pins the result into
// [2^bits, 2^(bits+1)). bits is clamped to Bits-2 so the sign bit stays
// clear. The quality of the result is the quality of src.
func Randomize(a *Int, bits int, src Source) {
	if bits > Bits-2 {
		bits = Bits - 2
	}
	if bits < 0 {
		bits = 0
	}
	top, b := bits/LimbBits, bits%LimbBits
	for i := 0; i < top; i++ {
		a[i] ^= src.Uint16()
	}
	a[top] = (a[top]^src.Uint16())&(1<<b-1) | 1<<b
	for i := top + 1; i < Limbs; i++ {
		a[i] = 0
	}
}
