package vm

// ---------------------------------------------------------------------------
// Random: Per-isolate pseudo-random source
// ---------------------------------------------------------------------------

// Random is a small xorshift128+ generator. Each isolate owns one, seeded
// at spawn, so identity- and hash-sensitive values (the isolate salt, port
// ids) do not follow a predictable cross-isolate pattern. Not
// cryptographic.
type Random struct {
	s0, s1 uint64
}

// splitmix64 expands a seed into well-mixed state words. An all-zero state
// would make xorshift128+ degenerate, so seeding goes through this first.
func splitmix64(x *uint64) uint64 {
	*x += 0x9e3779b97f4a7c15
	z := *x
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// NewRandom returns a generator seeded from seed. Any seed is acceptable,
// including zero.
func NewRandom(seed uint64) *Random {
	r := &Random{}
	r.s0 = splitmix64(&seed)
	r.s1 = splitmix64(&seed)
	return r
}

// NextUint64 returns the next 64 pseudo-random bits.
func (r *Random) NextUint64() uint64 {
	x := r.s0
	y := r.s1
	r.s0 = y
	x ^= x << 23
	r.s1 = x ^ y ^ (x >> 17) ^ (y >> 26)
	return r.s1 + y
}

// NextUint32 returns the next 32 pseudo-random bits.
func (r *Random) NextUint32() uint32 {
	return uint32(r.NextUint64() >> 32)
}
