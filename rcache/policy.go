package rcache

import "sync"

// admissionPolicy is a TinyLFU-style frequency filter. A small
// count-min sketch of 4-bit counters estimates access frequency; on
// insert under pressure the candidate must be at least as warm as the
// shard's LRU victim or it is rejected. Counters are halved once the
// sample window fills so old traffic ages out.
type admissionPolicy struct {
	mu      sync.Mutex
	rows    [sketchRows][]byte // packed 4-bit counters
	mask    uint64
	samples int
	window  int
}

const sketchRows = 4

// seeds perturb the key hash per row.
var sketchSeeds = [sketchRows]uint64{
	0x9e3779b97f4a7c15,
	0xbf58476d1ce4e5b9,
	0x94d049bb133111eb,
	0xd6e8feb86659fd93,
}

func newAdmissionPolicy(numCounters int) *admissionPolicy {
	size := uint64(1)
	for size < uint64(numCounters) {
		size <<= 1
	}
	if size < 64 {
		size = 64
	}
	p := &admissionPolicy{mask: size - 1, window: int(size) * 8}
	for i := range p.rows {
		p.rows[i] = make([]byte, size/2)
	}
	return p
}

func mix(h, seed uint64) uint64 {
	h ^= seed
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}

func (p *admissionPolicy) counter(row int, h uint64) (idx int, shift uint) {
	slot := mix(h, sketchSeeds[row]) & p.mask
	return int(slot / 2), uint(slot%2) * 4
}

func (p *admissionPolicy) get(row int, h uint64) byte {
	idx, shift := p.counter(row, h)
	return (p.rows[row][idx] >> shift) & 0x0f
}

func (p *admissionPolicy) inc(row int, h uint64) {
	idx, shift := p.counter(row, h)
	if v := (p.rows[row][idx] >> shift) & 0x0f; v < 15 {
		p.rows[row][idx] += 1 << shift
	}
}

// touch records an access.
func (p *admissionPolicy) touch(h uint64) {
	p.mu.Lock()
	for row := range p.rows {
		p.inc(row, h)
	}
	p.samples++
	if p.samples >= p.window {
		p.reset()
	}
	p.mu.Unlock()
}

// estimate returns the minimum counter across rows.
func (p *admissionPolicy) estimate(h uint64) byte {
	est := byte(15)
	for row := range p.rows {
		if v := p.get(row, h); v < est {
			est = v
		}
	}
	return est
}

// admit decides whether candidate should displace victim.
func (p *admissionPolicy) admit(candidate, victim uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.estimate(candidate) >= p.estimate(victim)
}

// reset halves every counter, aging out stale frequency.
func (p *admissionPolicy) reset() {
	for row := range p.rows {
		for i, v := range p.rows[row] {
			// Halve both packed counters in place.
			p.rows[row][i] = (v >> 1) & 0x77
		}
	}
	p.samples = 0
}
