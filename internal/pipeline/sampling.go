package pipeline

import (
	"math/rand"
	"sort"
)

// SampleClients picks int(clientNum*rate) distinct client ids, at least one,
// returned in ascending order.
func SampleClients(clientNum int, rate float64, rng *rand.Rand) []int {
	if clientNum <= 0 {
		return nil
	}
	n := int(float64(clientNum) * rate)
	if n < 1 {
		n = 1
	}
	if n > clientNum {
		n = clientNum
	}

	ids := rng.Perm(clientNum)[:n]
	sort.Ints(ids)

	return ids
}
